package isolation

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSSHConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SSHConfig
		wantErr bool
	}{
		{"valid password", SSHConfig{Host: "h", User: "u", AuthMethod: SSHAuthPassword, Password: "p"}, false},
		{"valid key", SSHConfig{Host: "h", User: "u", AuthMethod: SSHAuthKey, PrivateKeyPath: "/k"}, false},
		{"missing host", SSHConfig{User: "u", AuthMethod: SSHAuthPassword, Password: "p"}, true},
		{"missing user", SSHConfig{Host: "h", AuthMethod: SSHAuthPassword, Password: "p"}, true},
		{"bad port", SSHConfig{Host: "h", Port: 70000, User: "u", AuthMethod: SSHAuthPassword, Password: "p"}, true},
		{"missing password", SSHConfig{Host: "h", User: "u", AuthMethod: SSHAuthPassword}, true},
		{"missing key", SSHConfig{Host: "h", User: "u", AuthMethod: SSHAuthKey}, true},
		{"unknown auth", SSHConfig{Host: "h", User: "u", AuthMethod: "agent"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSSHConfig_Address(t *testing.T) {
	c := SSHConfig{Host: "example.com"}
	if got := c.Address(); got != "example.com:22" {
		t.Errorf("Expected example.com:22, got %s", got)
	}
	c.Port = 2222
	if got := c.Address(); got != "example.com:2222" {
		t.Errorf("Expected example.com:2222, got %s", got)
	}
}

func TestSSHConfig_StrictRequiresKnownHosts(t *testing.T) {
	c := SSHConfig{Host: "h", User: "u", AuthMethod: SSHAuthPassword, Password: "p", StrictHostKeyChecking: true}
	if _, err := c.clientConfig(); err == nil {
		t.Error("Expected error without known_hosts path")
	}
}

func TestSSHBackend_UnreachableIsFallbackable(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	b := NewSSHBackend(SSHConfig{
		Host:              "127.0.0.1",
		Port:              addr.Port,
		User:              "u",
		AuthMethod:        SSHAuthPassword,
		Password:          "p",
		ConnectionTimeout: time.Second,
	})

	if b.Available(context.Background()) {
		t.Fatal("Expected backend to be unavailable")
	}

	_, err = b.Run(context.Background(), Request{ScriptPath: "x.sh"})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Expected BackendError, got %v", err)
	}
	if !be.Fallback {
		t.Error("Expected unreachable host to allow fallback")
	}
}

func TestRemoteCommand(t *testing.T) {
	got := remoteCommand("/tmp/autoflow-1.sh", []string{"A=it's"})
	want := `env 'A=it'\''s' /bin/sh '/tmp/autoflow-1.sh'`
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if got := remoteCommand("/tmp/x.py", nil); got != "python3 '/tmp/x.py'" {
		t.Errorf("Unexpected python command: %s", got)
	}
}
