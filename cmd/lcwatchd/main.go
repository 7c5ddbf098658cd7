// Command lcwatchd tracks a single Ethereum-family address's on-chain
// activity through a single light-subprotocol peer, without a full node.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/lightwatch-go/lightwatch/bcs"
	"github.com/lightwatch-go/lightwatch/lcconfig"
	"github.com/lightwatch-go/lightwatch/p2p"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to lcwatchd.toml",
		Value: "lcwatchd.toml",
	}
	bootnodeFlag = cli.StringFlag{
		Name:  "bootnode",
		Usage: "enode URL of the peer to connect to, overrides config bootnodes[0]",
	}
	addressFlag = cli.StringFlag{
		Name:  "address",
		Usage: "hex address to watch, overrides config watch.address",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit..5=debug)",
		Value: 3,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "lcwatchd"
	app.Usage = "light-client blockchain activity tracker"
	app.Flags = []cli.Flag{configFlag, bootnodeFlag, addressFlag, verbosityFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "lcwatchd:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	glogger := log.NewGlogHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(true)))
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	log.Root().SetHandler(glogger)
	logger := log.New("pkg", "lcwatchd")

	cfg, err := lcconfig.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if addr := ctx.String(addressFlag.Name); addr != "" {
		cfg.Watch.Address = common.HexToAddress(addr)
	}
	bootnode := ctx.String(bootnodeFlag.Name)
	if bootnode == "" && len(cfg.Network.Bootnodes) > 0 {
		bootnode = cfg.Network.Bootnodes[0]
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if bootnode == "" {
		return fmt.Errorf("no bootnode configured")
	}

	localKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	local := &p2p.LocalIdentity{
		StaticKey: localKey,
		IP:        net.ParseIP(cfg.Node.ListenAddr),
		TCPPort:   cfg.Node.TCPPort,
		UDPPort:   cfg.Node.UDPPort,
	}

	remoteStatic, remoteAddr, err := resolveEnode(bootnode)
	if err != nil {
		return err
	}

	node := p2p.NewNode(nodeIDFromPubkey(remoteStatic), p2p.Endpoint{}, nil)

	conn, err := net.Dial("tcp", remoteAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", remoteAddr, err)
	}

	genesis := &types.Header{Number: big.NewInt(0)}
	checkpoints := make([]common.Hash, 0, len(cfg.Network.Checkpoints))
	for _, c := range cfg.Network.Checkpoints {
		checkpoints = append(checkpoints, c.Hash)
	}
	engine := bcs.New(bcs.Config{
		Peer:        node,
		Callbacks:   &activityLogger{log: logger},
		Watched:     cfg.Watch.Address,
		Genesis:     genesis,
		Checkpoints: checkpoints,
	})
	node.SetCallbacks(engine)
	engine.Start()
	defer engine.Stop()

	genesisHash, headHash := cfg.Network.GenesisHash, cfg.Network.GenesisHash
	if err := node.ConnectTCP(local, remoteStatic, conn, cfg.Network.NetworkID, genesisHash, headHash, 0); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	logger.Info("connected", "peer", bootnode, "watching", cfg.Watch.Address)

	return node.RunTCP(conn)
}

// resolveEnode parses an `enode://<128-hex-char pubkey>@host:port` URL into
// the remote's static public key and its dial address. Bare `host:port`
// strings (no identity) are rejected: the RLPx auth handshake in
// p2p.ConnectTCP needs the remote static key up front to encrypt the auth
// message, so a bootnode must always be given as a full enode URL.
func resolveEnode(bootnode string) (*ecdsa.PublicKey, string, error) {
	u, err := url.Parse(bootnode)
	if err != nil || u.Scheme != "enode" || u.User == nil {
		return nil, "", fmt.Errorf("lcwatchd: bootnode %q is not an enode:// URL (enode://<pubkey>@host:port)", bootnode)
	}
	keyHex := u.User.Username()
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != 64 {
		return nil, "", fmt.Errorf("lcwatchd: bootnode %q has an invalid 128-hex-char node ID", bootnode)
	}
	pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, keyBytes...))
	if err != nil {
		return nil, "", fmt.Errorf("lcwatchd: bootnode %q node ID is not a valid secp256k1 point: %w", bootnode, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, "", fmt.Errorf("lcwatchd: bootnode %q missing host:port: %w", bootnode, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, "", fmt.Errorf("lcwatchd: bootnode %q has a non-numeric port: %w", bootnode, err)
	}
	return pub, net.JoinHostPort(host, portStr), nil
}

// nodeIDFromPubkey renders an uncompressed secp256k1 public key as the
// 64-byte devp2p node ID (X||Y, sans the leading 0x04 prefix byte), matching
// p2p.LocalIdentity.NodeID.
func nodeIDFromPubkey(pub *ecdsa.PublicKey) [64]byte {
	var id [64]byte
	copy(id[:32], pub.X.Bytes())
	copy(id[32:], pub.Y.Bytes())
	return id
}

// activityLogger is the default bcs.Callbacks implementation used by the
// CLI: it just logs activity. Embedders that want programmatic access
// should construct bcs.Engine directly with their own Callbacks.
type activityLogger struct {
	log log.Logger
}

func (a *activityLogger) OnTransaction(tx *bcs.Transaction) {
	a.log.Info("transaction", "hash", tx.Hash, "status", tx.Status.Kind)
}
func (a *activityLogger) OnLog(lg *types.Log) {
	a.log.Info("log", "address", lg.Address, "tx", lg.TxHash)
}
func (a *activityLogger) OnState(head, tail *types.Header) {
	if head == nil {
		return
	}
	a.log.Info("chain state", "head", head.Number, "tail", tail.Number)
}
func (a *activityLogger) OnAnnounce(hash common.Hash, number uint64) {
	a.log.Info("announce", "hash", hash, "number", number)
}
func (a *activityLogger) OnAccountState(blockHash common.Hash, state p2p.AccountState) {
	a.log.Info("account state", "block", blockHash, "nonce", state.Nonce, "balance", state.Balance)
}
func (a *activityLogger) OnProvide(result p2p.ProvisionResult) {
	if result.Status != p2p.ProvisionSuccess {
		a.log.Warn("provision failed", "type", result.Type, "reason", result.Reason)
	}
}
