package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/sessions"
	"github.com/thebenlamm/nanobot/internal/tools"
)

type fixedStatus []channels.LinkStatus

func (f fixedStatus) Status() []channels.LinkStatus { return f }

type fixedSessions []sessions.Info

func (f fixedSessions) List() []sessions.Info { return f }

func newTestServer(t *testing.T, links fixedStatus) (*httptest.Server, *Metrics) {
	t.Helper()
	m := NewMetrics()
	sess := fixedSessions{{Identity: sessions.ChannelIdentity{Platform: "telegram", Account: "bot", Thread: "42"}, Turns: 4}}
	srv := httptest.NewServer(NewServer(links, sess, m, "v0.1.0").Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name  string
		links fixedStatus
		want  string
	}{
		{"all connected", fixedStatus{{Channel: "telegram", State: channels.StateConnected}}, "ok"},
		{"one reconnecting", fixedStatus{
			{Channel: "telegram", State: channels.StateConnected},
			{Channel: "slack", State: channels.StateReconnecting},
		}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.links)
			code, body := get(t, srv.URL+"/healthz")
			var got struct {
				Status  string `json:"status"`
				Version string `json:"version"`
			}
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatal(err)
			}
			if code != http.StatusOK || got.Status != tt.want || got.Version != "v0.1.0" {
				t.Errorf("healthz = %d %s", code, body)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	srv, _ := newTestServer(t, fixedStatus{
		{Channel: "email", State: channels.StateDisabled, LastError: "consent_granted is false", Since: 90 * time.Second},
	})

	code, body := get(t, srv.URL+"/v1/channels")
	if code != http.StatusOK || !strings.Contains(body, `"state":"DISABLED"`) || !strings.Contains(body, `"since_seconds":90`) {
		t.Errorf("list = %d %s", code, body)
	}
	if code, body := get(t, srv.URL+"/v1/channels/email"); code != http.StatusOK || !strings.Contains(body, "consent_granted") {
		t.Errorf("get = %d %s", code, body)
	}
	if code, _ := get(t, srv.URL+"/v1/channels/irc"); code != http.StatusNotFound {
		t.Errorf("unknown channel = %d", code)
	}
}

func TestSessions(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	code, body := get(t, srv.URL+"/v1/sessions")
	if code != http.StatusOK || !strings.Contains(body, `"thread":"42"`) {
		t.Errorf("sessions = %d %s", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t, nil)

	m.ToolCalled("exec", &tools.Result{Denied: true, IsError: true, Category: "destructive"}, 2*time.Millisecond)
	m.ToolCalled("web_fetch", &tools.Result{ForLLM: "ok"}, 40*time.Millisecond)
	m.LinkStateChanged("slack", channels.StateConnecting, channels.StateConnected)
	m.DeliveryFailed(&channels.DeliveryFailed{Channel: "slack", Reason: "permanent", Message: bus.OutboundMessage{ChatID: "C1"}})

	_, body := get(t, srv.URL+"/metrics")
	for _, want := range []string{
		`nanobot_tool_calls_total{category="destructive",tool="exec",verdict="denied"} 1`,
		`nanobot_tool_calls_total{category="",tool="web_fetch",verdict="allowed"} 1`,
		`nanobot_channel_state{channel="slack",state="connected"} 1`,
		`nanobot_channel_state{channel="slack",state="connecting"} 0`,
		`nanobot_delivery_failures_total{channel="slack",reason="permanent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
