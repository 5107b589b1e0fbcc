package web3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChainDefinitions(t *testing.T) {
	t.Setenv("INFURA_KEY", "secret")
	defs, err := ParseChainDefinitions([]byte(`
chains:
  sepolia:
    rpc_url: https://sepolia.infura.io/v3/${INFURA_KEY}
    description: test network
  local:
    type: EVM
    rpc_url: " http://127.0.0.1:8545 "
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "sepolia"}, defs.Names())
	assert.Equal(t, "https://sepolia.infura.io/v3/secret", defs.Chains["sepolia"].RPCURL)
	assert.Equal(t, ChainTypeEVM, defs.Chains["sepolia"].Type)
	assert.Equal(t, ChainTypeEVM, defs.Chains["local"].Type)
	assert.Equal(t, "http://127.0.0.1:8545", defs.Chains["local"].RPCURL)
}

func TestParseChainDefinitionsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown type": "chains:\n  sol:\n    type: solana\n    rpc_url: http://x\n",
		"missing url":  "chains:\n  main:\n    description: no endpoint\n",
		"unset env":    "chains:\n  main:\n    rpc_url: ${OPENMCP_TEST_UNSET_RPC}\n",
		"bad name":     "chains:\n  \"my chain\":\n    rpc_url: http://x\n",
		"not yaml":     "chains: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChainDefinitions([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs.Chains)

	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  dev:\n    rpc_url: http://127.0.0.1:8545\n"), 0o600))
	defs, err = LoadChainDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, defs.Names())

	_, err = LoadChainDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
