package mcpmanager

import "os"

// defaultServerSpecs returns the fixed set of Server Specifications the
// Manager pre-registers at construction. All defaults have
// AutoStart=false; they exist so a caller can connect them by name
// without supplying a command line. Per-server API keys are read from
// the ambient environment and overlaid into each spec's env map at
// registration time.
func defaultServerSpecs() []ServerSpec {
	return []ServerSpec{
		{
			Name:        "filesystem",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/data"},
			Description: "Read/write access to the shared data directory",
			AutoStart:   false,
		},
		{
			Name:        "nodit",
			Command:     "npx",
			Args:        []string{"-y", "@nodit/mcp-server"},
			Env:         envOverlay("NODIT_API_KEY"),
			Description: "Nodit blockchain node/indexer analytics",
			AutoStart:   false,
		},
		{
			Name:        "dune",
			Command:     "npx",
			Args:        []string{"-y", "@dune/mcp-server"},
			Env:         envOverlay("DUNE_API_KEY"),
			Description: "Dune Analytics on-chain query access",
			AutoStart:   false,
		},
		{
			Name:        "etherscan",
			Command:     "npx",
			Args:        []string{"-y", "@etherscan/mcp-server"},
			Env:         envOverlay("ETHERSCAN_API_KEY"),
			Description: "Etherscan contract/transaction lookups",
			AutoStart:   false,
		},
		{
			Name:        "thegraph",
			Command:     "npx",
			Args:        []string{"-y", "@thegraph/mcp-server"},
			Env:         envOverlay("THEGRAPH_API_KEY"),
			Description: "The Graph subgraph query access",
			AutoStart:   false,
		},
	}
}

// envOverlay collects the named environment variables that are set into a
// spec's env overlay, skipping unset ones so Connect's merge leaves the
// ambient environment's absence of the key alone.
func envOverlay(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
