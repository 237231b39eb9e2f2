package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEventsFormats(t *testing.T) {
	cases := map[string]string{
		"json object": `{"events":[{"name":"serveradmintools_game_started","data":{},"timestamp":1}]}`,
		"json list":   `[{"name":"serveradmintools_game_started","data":{},"timestamp":1}]`,
		"yaml": `
events:
  - name: serveradmintools_game_started
    data: {}
    timestamp: 1
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			events, err := loadEvents(strings.NewReader(doc))
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.JSONEq(t, `{"name":"serveradmintools_game_started","data":{},"timestamp":1}`, string(events[0]))
		})
	}
}

func TestLoadEventsRejectsBadDocuments(t *testing.T) {
	for _, doc := range []string{"", "42", "events: nope", "{"} {
		_, err := loadEvents(strings.NewReader(doc))
		assert.Error(t, err, doc)
	}
}

func fakeRelay(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/events":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
				return
			}
			var body struct {
				Events []json.RawMessage `json:"events"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]int{"received": len(body.Events), "recognized": len(body.Events), "handled": len(body.Events)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestSendCommand(t *testing.T) {
	var calls int32
	srv := fakeRelay(t, &calls)
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(file, []byte("- name: game_started\n  data: {}\n  timestamp: 1\n- name: game_ended\n  data: {reason: x}\n  timestamp: 2\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"send", file, "--base-url", srv.URL, "--token", "tok"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"received": 2`)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendCommandReadsConfigAndStdin(t *testing.T) {
	var calls int32
	srv := fakeRelay(t, &calls)
	defer srv.Close()

	cfgFile := filepath.Join(t.TempDir(), "eventrelay.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("base_url: "+srv.URL+"\ntoken: tok\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"events":[]}`))
	cmd.SetArgs([]string{"send", "-", "--config", cfgFile})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"received": 0`)
}

func TestSendCommandUsesEnvToken(t *testing.T) {
	var calls int32
	srv := fakeRelay(t, &calls)
	defer srv.Close()
	t.Setenv("EVENTRELAY_TOKEN", "wrong")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`[]`))
	cmd.SetArgs([]string{"send", "-", "--base-url", srv.URL})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestSendCommandRequiresToken(t *testing.T) {
	t.Setenv("EVENTRELAY_TOKEN", "")
	cmd := newRootCmd()
	cmd.SetIn(strings.NewReader(`[]`))
	cmd.SetArgs([]string{"send", "-"})
	assert.Error(t, cmd.Execute())
}

func TestHealthCommand(t *testing.T) {
	var calls int32
	srv := fakeRelay(t, &calls)
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"health", "--base-url", srv.URL})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "ok\n", out.String())
}
