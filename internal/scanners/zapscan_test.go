package scanners_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kekkai-sec/kekkai/internal/findings"
	"github.com/kekkai-sec/kekkai/internal/sandbox"
	"github.com/kekkai-sec/kekkai/internal/scanners"
	"github.com/kekkai-sec/kekkai/internal/urlguard"
)

const zapSample = `{
  "site": [
    {
      "@name": "https://staging.example.com",
      "alerts": [
        {
          "pluginid": "10038",
          "alert": "Content Security Policy Header Not Set",
          "riskcode": "2",
          "desc": "CSP header missing.",
          "cweid": "693",
          "instances": [{"uri": "https://staging.example.com/login"}]
        },
        {
          "pluginid": "40012",
          "alert": "Cross Site Scripting (Reflected)",
          "riskcode": "3",
          "desc": "Reflected XSS in q parameter.",
          "cweid": "79",
          "instances": [{"uri": "https://staging.example.com/search?q=x"}]
        },
        {
          "pluginid": "90027",
          "alert": "Odd Alert",
          "riskcode": "9",
          "desc": "",
          "cweid": "-1",
          "instances": []
        }
      ]
    }
  ]
}`

func zapContext(t *testing.T, target string) *scanners.ScanContext {
	sc := newScanContext(t)
	sc.TargetURL = target
	return sc
}

func TestZAP_MissingTargetIsPolicyViolation(t *testing.T) {
	runner := &fakeRunner{}
	s, err := scanners.New("zap", testDeps(runner, &fakeGuard{}))
	require.NoError(t, err)

	res := s.Run(context.Background(), newScanContext(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "policy violation")
	assert.Contains(t, res.Error, "no DAST target")
	assert.Nil(t, runner.lastCommand, "no sandbox may start without a target")
}

func TestZAP_RejectedTargetIsPolicyViolation(t *testing.T) {
	runner := &fakeRunner{}
	guard := &fakeGuard{rejectWith: fmt.Errorf("%w: address 10.0.0.5 is not globally routable", urlguard.ErrPolicy)}
	s, err := scanners.New("zap", testDeps(runner, guard))
	require.NoError(t, err)

	res := s.Run(context.Background(), zapContext(t, "http://10.0.0.5/"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "policy violation")
	assert.Contains(t, res.Error, "target rejected")
	assert.Nil(t, runner.lastCommand, "a rejected target must never reach the sandbox")
}

func TestZAP_RunRelaxesExactlyNetworkAndFilesystem(t *testing.T) {
	runner := &fakeRunner{
		reportFile:    "zap.json",
		reportContent: []byte(zapSample),
		result:        sandbox.ContainerResult{ExitCode: 2, DurationMs: 90000},
	}
	s, err := scanners.New("zap", testDeps(runner, &fakeGuard{}))
	require.NoError(t, err)

	res := s.Run(context.Background(), zapContext(t, "https://staging.example.com"))
	require.True(t, res.Success, "error: %s", res.Error)
	require.Len(t, res.Findings, 3)

	// DAST needs the network and a writable working dir; nothing else
	// is relaxed.
	assert.True(t, runner.lastConfig.NetworkEnabled)
	assert.False(t, runner.lastConfig.ReadOnlyRoot)
	assert.False(t, runner.lastConfig.MountRepo, "the source tree stays out of DAST sandboxes")
	assert.Equal(t, "/zap/wrk", runner.lastConfig.OutputMount)

	joined := strings.Join(runner.lastCommand, " ")
	assert.Contains(t, joined, "zap-baseline.py")
	assert.Contains(t, joined, "-t https://staging.example.com")
}

func TestZAP_ParseRiskCodeMapping(t *testing.T) {
	s, err := scanners.New("zap", testDeps(&fakeRunner{}, &fakeGuard{}))
	require.NoError(t, err)

	found, err := s.Parse([]byte(zapSample))
	require.NoError(t, err)
	require.Len(t, found, 3)

	csp := found[0]
	assert.Equal(t, findings.SeverityMedium, csp.Severity)
	assert.Equal(t, "CWE-693", csp.CWE)
	assert.Equal(t, "10038", csp.RuleID)
	assert.Equal(t, "https://staging.example.com/login", csp.Extra["url"])

	xss := found[1]
	assert.Equal(t, findings.SeverityHigh, xss.Severity)
	assert.Equal(t, "CWE-79", xss.CWE)

	// Unknown risk codes and sentinel CWE ids degrade gracefully.
	odd := found[2]
	assert.Equal(t, findings.SeverityUnknown, odd.Severity)
	assert.Empty(t, odd.CWE)
}

func TestZAP_HighExitCodeIsFailure(t *testing.T) {
	runner := &fakeRunner{result: sandbox.ContainerResult{ExitCode: 3, Stderr: "target unreachable"}}
	s, err := scanners.New("zap", testDeps(runner, &fakeGuard{}))
	require.NoError(t, err)

	res := s.Run(context.Background(), zapContext(t, "https://staging.example.com"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exited with code 3")
}

func TestZAP_ConfiguredTargetFallback(t *testing.T) {
	runner := &fakeRunner{
		reportFile:    "zap.json",
		reportContent: []byte(`{"site": []}`),
		result:        sandbox.ContainerResult{ExitCode: 0},
	}
	deps := testDeps(runner, &fakeGuard{})
	deps.Images.ZAP.Target = "https://configured.example.com"
	s, err := scanners.New("zap", deps)
	require.NoError(t, err)

	res := s.Run(context.Background(), newScanContext(t))
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Contains(t, strings.Join(runner.lastCommand, " "), "https://configured.example.com")
}
