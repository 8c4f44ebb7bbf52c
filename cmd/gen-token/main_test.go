package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"task-fanout/api"
)

func TestUserIDs(t *testing.T) {
	if got := userIDs(1, "p", 1, []string{"alice"}); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("explicit id: %v", got)
	}
	if got := userIDs(1, "p", 1, nil); got[0] != "p" {
		t.Fatalf("single id: %v", got)
	}
	got := userIDs(3, "p", 5, nil)
	if len(got) != 3 || got[0] != "p-5" || got[2] != "p-7" {
		t.Fatalf("generated ids: %v", got)
	}
}

func TestGeneratedTokensVerify(t *testing.T) {
	tokens, err := generateTokens("s3cret", time.Hour, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	auth := api.NewAuth(api.AuthConfig{TestSecret: []byte("s3cret")})
	for i, want := range []string{"u1", "u2"} {
		got, err := auth.UserIDFromToken(tokens[i])
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	if _, err := generateTokens("", time.Minute, []string{"u1"}); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "tokens.json")
	if err := writeTokens(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []string
	if err := sonic.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("unexpected tokens %v", got)
	}
}
