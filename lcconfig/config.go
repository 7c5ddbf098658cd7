// Package lcconfig loads lcwatchd's TOML configuration file.
package lcconfig

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// Config is the top-level shape of lcwatchd.toml.
type Config struct {
	Network NetworkConfig
	Watch   WatchConfig
	Node    NodeConfig
}

// NetworkConfig identifies which chain to track.
type NetworkConfig struct {
	NetworkID   uint64
	GenesisHash common.Hash
	Bootnodes   []string
	Checkpoints []CheckpointConfig
}

// CheckpointConfig names a header that reclaimAndSave must never release.
type CheckpointConfig struct {
	Hash   common.Hash
	Number uint64
}

// WatchConfig names the address whose activity lcwatchd tracks.
type WatchConfig struct {
	Address common.Address
}

// NodeConfig carries this process's own identity and listen configuration.
type NodeConfig struct {
	DataDir    string
	ListenAddr string
	TCPPort    uint16
	UDPPort    uint16
}

// Default returns a Config with conventional devp2p defaults (all
// interfaces, standard discovery/TCP port).
func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir:    "./lcwatchd-data",
			ListenAddr: "0.0.0.0",
			TCPPort:    30303,
			UDPPort:    30303,
		},
	}
}

// Load reads and parses path, overlaying it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("lcconfig: open %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("lcconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first configuration error found, if any.
func (c Config) Validate() error {
	if c.Network.NetworkID == 0 {
		return fmt.Errorf("lcconfig: network.networkid is required")
	}
	if c.Network.GenesisHash == (common.Hash{}) {
		return fmt.Errorf("lcconfig: network.genesishash is required")
	}
	if c.Watch.Address == (common.Address{}) {
		return fmt.Errorf("lcconfig: watch.address is required")
	}
	return nil
}
