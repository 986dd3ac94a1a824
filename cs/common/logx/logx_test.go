package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"trace": Trace, " DEBUG ": Debug, "": Info, "info": Info,
		"warning": Warn, "silent": Off, "bogus": Error,
	} {
		require.Equal(t, want, ParseLevel(in), in)
	}
	require.Equal(t, "warn", Warn.String())
	require.Equal(t, "[ERROR]", Off.tag())
}

func captureApp(t *testing.T) (info, errs *bytes.Buffer) {
	t.Helper()
	info, errs = &bytes.Buffer{}, &bytes.Buffer{}
	oldInfo, oldErr, oldLevel := appInfoW, appErrW, GetLevel()
	appInfoW, appErrW = info, errs
	t.Cleanup(func() {
		appInfoW, appErrW = oldInfo, oldErr
		SetLevel(oldLevel)
	})
	return info, errs
}

func TestLoggerFollowsGlobalLevel(t *testing.T) {
	info, errs := captureApp(t)
	l := New(WithPrefix("collector"))

	SetLevelString("warn")
	l.Infof("dropped %d", 1)
	l.Warnf("kept %d", 2)
	l.Errorf("boom")

	require.NotContains(t, info.String(), "dropped")
	require.Contains(t, info.String(), "[WARN] collector - kept 2")
	require.Contains(t, info.String(), "logx_test.go:")
	require.Contains(t, errs.String(), "[ERROR] collector - boom")
}

func TestLoggerOwnLevelWins(t *testing.T) {
	info, _ := captureApp(t)
	SetLevel(Error)

	l := New(WithPrefix("hub"), WithLogLevel(Debug))
	l.Debugf("visible")
	require.Contains(t, info.String(), "[DEBUG] hub - visible")

	child := l.With("[3]")
	child.Tracef("hidden")
	child.Debugf("child")
	require.NotContains(t, info.String(), "hidden")
	require.Contains(t, info.String(), "hub[3] - child")
}

func TestGinDetect(t *testing.T) {
	lvl, msg := ginDetect("[GIN-debug] [WARNING] Running in debug mode")
	require.Equal(t, Warn, lvl)
	require.Equal(t, "Running in debug mode", msg)

	lvl, msg = ginDetect("[GIN-debug] GET /api/system")
	require.Equal(t, Debug, lvl)
	require.Equal(t, "GET /api/system", msg)

	lvl, msg = ginDetect("[GIN] 200 | GET /api/stats/summary")
	require.Equal(t, Info, lvl)
	require.True(t, strings.HasPrefix(msg, "200 |"))
}

func TestStdLoggersWithoutFiles(t *testing.T) {
	require.Equal(t, "[INFO] ", NewStdInfo(nil).Prefix())
	require.Equal(t, "[ERROR] ", NewStdErr(&Files{}).Prefix())
}
