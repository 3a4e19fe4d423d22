package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/geoexport/pkg/config"
	"github.com/polisai/geoexport/pkg/domain"
	"github.com/polisai/geoexport/pkg/export"
	"github.com/polisai/geoexport/pkg/logging"
	"github.com/polisai/geoexport/pkg/service"
)

const fakeEngine = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then out="$2"; fi
  shift
done
printf '0\nSECTION\n0\nEOF\n' > "$out"
`

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
	assert.Contains(t, out.String(), runtime.Version())
}

func TestFingerprintCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"fingerprint",
		"--lat", "-22.15018", "--lon", "-42.92189", "--radius", "500",
		"--mode", "CIRCLE", "--projection", "local", "--layers", "roads,buildings,roads",
	})
	require.NoError(t, cmd.Execute())

	_, want, err := export.Prepare(domain.ExportRequest{
		Lat:        -22.15018,
		Lon:        -42.92189,
		Radius:     500,
		Mode:       domain.ModeCircle,
		Projection: domain.ProjectionLocal,
		Layers:     []domain.Layer{domain.LayerBuildings, domain.LayerRoads},
	}, export.DefaultLimits())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "fingerprint: "+want)
	assert.Contains(t, out.String(), "canonical:")
}

func TestFingerprintCmdRejectsInvalidRequest(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"fingerprint", "--lat", "95", "--lon", "0", "--radius", "100"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, domain.KindOf(err) == domain.KindValidation)
}

func TestFlagOverrides(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--mode", "production", "--log-level", "debug"}))

	overrides, err := flagOverrides(cmd)
	require.NoError(t, err)
	require.Len(t, overrides, 3)

	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:8080"
	for _, o := range overrides {
		o(cfg)
	}
	assert.Equal(t, "127.0.0.1:9100", cfg.Server.Address)
	assert.Equal(t, domain.DeploymentProduction, cfg.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)

	none := newServeCmd()
	require.NoError(t, none.ParseFlags(nil))
	overrides, err = flagOverrides(none)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	bad := newServeCmd()
	require.NoError(t, bad.ParseFlags([]string{"--port", "70000"}))
	_, err = flagOverrides(bad)
	assert.Error(t, err)
}

func TestAppEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	engineRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(engineRoot, "engine.sh"), []byte(fakeEngine), 0o755))

	cfg := config.Default()
	cfg.Server.PublicBaseURL = srv.URL
	cfg.Executor.Layout.DevelopmentRoot = engineRoot
	cfg.Executor.Layout.Entry = "engine.sh"
	cfg.Executor.Layout.Interpreter = []string{"/bin/sh"}
	cfg.Executor.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Executor.Timeout.Execution = 30 * time.Second
	cfg.Dispatch.HTTP.Workers = 1
	cfg.Dispatch.HTTP.Retry.InitialInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	logger, err := logging.NewLogger(logging.Config{Level: "error", Output: io.Discard})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)

	var g errgroup.Group
	require.NoError(t, a.startBackground(ctx, &g))
	t.Cleanup(func() {
		cancel()
		a.close()
		_ = g.Wait()
	})
	handler = a.handler.Instrumented()

	body := `{"lat":-22.15018,"lon":-42.92189,"radius":500,"mode":"circle","projection":"local"}`
	resp, err := http.Post(srv.URL+"/api/v1/exports", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitted service.SubmitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()

	var job domain.Job
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/v1/jobs/" + submitted.JobID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			return false
		}
		return job.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, domain.JobCompleted, job.Status, "job error: %+v", job.Error)

	a.applyReload(func() *config.Config {
		next := *cfg
		next.Cache.TTL = time.Minute
		next.Logging.Level = "debug"
		return &next
	}())
	assert.Equal(t, time.Minute, a.service.Settings().CacheTTL)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `geoexport_job_transitions_total{from="processing",to="completed"} 1`)
	assert.Contains(t, string(text), `geoexport_config_reloads_total{status="success"} 1`)
	assert.Contains(t, string(text), "geoexport_cache_entries 1")
}
