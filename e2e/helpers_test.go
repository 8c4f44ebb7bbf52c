package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"gopkg.in/yaml.v3"
)

type target struct {
	base         string
	bearer       string
	serviceToken string
}

// newTarget points at a running instance, or skips when none is reachable.
func newTarget(t *testing.T, userID string) target {
	t.Helper()
	base := os.Getenv("FANOUT_BASE")
	if base == "" {
		base = "http://localhost:8080"
	}
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Skipf("skipping, fan-out service not reachable: %v", err)
	}
	resp.Body.Close()

	svc := os.Getenv("EMIT_SERVICE_TOKEN")
	if svc == "" {
		t.Skip("skipping, EMIT_SERVICE_TOKEN not set")
	}
	bearer := os.Getenv("TEST_BEARER")
	if bearer == "" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			t.Skip("skipping, neither TEST_BEARER nor TEST_JWT_SECRET set")
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": userID,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		bearer, err = tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
	}
	return target{base: base, bearer: bearer, serviceToken: svc}
}

func (tg target) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.base, "http") + "/ws"
}

// postEvent hands an event to the ingestion endpoint.
func (tg target) postEvent(ctx context.Context, kind string, entity any) error {
	body, err := sonic.Marshal(map[string]any{"kind": kind, "entity": entity})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tg.base+"/internal/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tg.serviceToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post event: status %d", resp.StatusCode)
	}
	return nil
}

func pushSLA() time.Duration {
	sla := 5 * time.Second
	data, err := os.ReadFile("config.test.yaml")
	if err != nil {
		return sla
	}
	var cfg struct {
		PushSLAMs int `yaml:"push_visibility_sla_ms"`
	}
	if err := yaml.Unmarshal(data, &cfg); err == nil && cfg.PushSLAMs > 0 {
		sla = time.Duration(cfg.PushSLAMs) * time.Millisecond
	}
	return sla
}
