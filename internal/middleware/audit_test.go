package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/logging"
)

func TestRequestIDEchoesOrReplaces(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected caller id to be kept, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}
}

func TestAuditLogsCallerAndErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	app := fiber.New()
	app.Use(RequestID(), Audit(logging.NewWithWriter(&buf, "info", "json")))
	app.Post("/external-transfer/", func(c *fiber.Ctx) error {
		auth.SetClaims(c, auth.Claims{Principal: auth.Principal{Username: "peer", Registration: "1234", Role: auth.RoleBank}})
		return fiber.NewError(http.StatusForbidden, "nope")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/external-transfer/", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" || line["status"] != float64(http.StatusForbidden) {
		t.Fatalf("unexpected level/status: %v", line)
	}
	if line["subject"] != "peer" || line["bank"] != "1234" || line["role"] != "bank" {
		t.Fatalf("caller missing from audit line: %v", line)
	}
	if line["request_id"] == "" {
		t.Fatalf("request id missing: %v", line)
	}
}
