package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"gotchi-caretaker/internal/api"
	"gotchi-caretaker/internal/config"
	"gotchi-caretaker/internal/trigger"
	"gotchi-caretaker/internal/web3/identity"
)

const testMnemonic = "test test test test test test test test test test test junk"

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.RunContext(context.Background(), append([]string{"caretaker"}, args...))
	return out.String(), err
}

func TestAddressCommandFromEnv(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("SECRET", testMnemonic)

	out, err := runApp(t, "address")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266 m/44'/60'/0'/0/0"), out)
}

func TestAddressCommandFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=\""+testMnemonic+"\"\n"), 0o600))
	cfgPath := filepath.Join(dir, "caretaker.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("care:\n  derivation_index: 1\n"), 0o600))
	t.Setenv("SECRET", "")

	out, err := runApp(t, "--config", cfgPath, "address")
	require.NoError(t, err)
	assert.Contains(t, out, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
}

func TestAddressCommandRejectsBadPhrase(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("SECRET", "abandon abandon abandon")

	_, err := runApp(t, "address")
	require.Error(t, err)
	assert.True(t, errors.Is(err, identity.ErrInvalidSeed))
	assert.Contains(t, describe(err).Error(), "identity stage failed")
}

func TestTriggerNeedsSharedQueue(t *testing.T) {
	t.Setenv(configEnv, "")
	_, err := runApp(t, "trigger")
	require.Error(t, err)
}

func TestDescribeLeavesUnclassifiedErrors(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, err, describe(err))
}

func TestTriggerThroughAPI(t *testing.T) {
	queue := trigger.NewMemoryQueue(1)
	srv := httptest.NewServer(api.NewServer(":0", queue, nil, nil).Handler())
	defer srv.Close()
	t.Setenv(configEnv, "")

	out, err := runApp(t, "trigger", "--api", srv.URL, "--reason", "deploy")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestURLFlagAcceptedAtEveryLevel(t *testing.T) {
	t.Setenv(configEnv, "")
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"run", "--url", "http://node-a:8545"}, "http://node-a:8545"},
		{[]string{"daemon", "--url", "http://node-b:8545"}, "http://node-b:8545"},
		{[]string{"--url", "http://node-c:8545", "run"}, "http://node-c:8545"},
		{[]string{"--url", "http://node-c:8545", "run", "--url", "http://node-d:8545"}, "http://node-d:8545"},
		{[]string{"run"}, config.DefaultRPCURL},
	}
	for _, tc := range cases {
		var got string
		capture := func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			got = cfg.Chain.RPCURL
			return nil
		}
		app := newApp()
		app.Command("run").Action = capture
		app.Command("daemon").Action = capture

		require.NoError(t, app.RunContext(context.Background(), append([]string{"caretaker"}, tc.args...)), tc.args)
		assert.Equal(t, tc.want, got, tc.args)
	}
}
