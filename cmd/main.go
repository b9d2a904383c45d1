package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/accord/cmd/rpc"
	"github.com/canopy-network/accord/coordinator"
	"github.com/canopy-network/accord/ledger"
	"github.com/canopy-network/accord/lib"
	"github.com/canopy-network/accord/lib/crypto"
	"github.com/canopy-network/accord/p2p"
	"github.com/canopy-network/accord/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "accord",
	Short:   "accord is a peer to peer coordination layer in front of a ledger",
	Version: rpc.SoftwareVersion,
}

var dataDir = ""

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the coordination peer",
	Run: func(cmd *cobra.Command, args []string) {
		Start()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the software version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rpc.SoftwareVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration and peer id",
	Run: func(cmd *cobra.Command, args []string) {
		config, key := InitializeDataDirectory(dataDir, lib.NewNullLogger())
		bz, err := lib.MarshalJSONIndent(config)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(bz))
		fmt.Println("peer id:", peerID(config, key))
	},
}

// Start() runs a coordination peer until a kill signal
func Start() {
	config, key := InitializeDataDirectory(dataDir, lib.NewDefaultLogger())
	l := lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel()}, config.DataDirPath)
	metrics := lib.NewMetricsServer(config.MetricsConfig, l.WithModule("metrics"))
	metrics.Start()
	db, err := store.New(config, l.WithModule("store"))
	if err != nil {
		l.Fatal(err.Error())
	}
	self, c := peerID(config, key), clock.New()
	chain := ledger.NewLocal(config.LedgerConfig, db, c, l.WithModule("ledger"))
	transport := p2p.NewP2P(self, config.P2PConfig, l.WithModule("p2p"))
	node := coordinator.New(config, self, key, transport, chain, db, c, metrics, l.WithModule("coordinator"))
	if err = node.Start(); err != nil {
		l.Fatal(err.Error())
	}
	server := rpc.NewServer(node, db, config.RPCConfig, l.WithModule("rpc"))
	server.Start()
	l.Infof("Peer %s started", self)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	s := <-stop
	server.Stop()
	node.Stop()
	metrics.Stop()
	if err = db.Close(); err != nil {
		l.Error(err.Error())
	}
	l.Infof("Exit command %s received", s)
	os.Exit(0)
}

// InitializeDataDirectory() creates the config and the peer key on first run and loads both
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config, key *crypto.PrivateKey) {
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		panic(err)
	}
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		if err = lib.DefaultConfig().WriteToFile(configFilePath); err != nil {
			panic(err)
		}
	}
	peerKeyPath := filepath.Join(dataDirPath, lib.PeerKeyPath)
	if _, err := os.Stat(peerKeyPath); errors.Is(err, os.ErrNotExist) {
		pk, e := crypto.NewPrivateKey()
		if e != nil {
			panic(e)
		}
		log.Infof("Creating %s file", lib.PeerKeyPath)
		if err = lib.SaveJSONToFile(pk, dataDirPath, lib.PeerKeyPath); err != nil {
			panic(err)
		}
	}
	key = new(crypto.PrivateKey)
	if err := lib.NewJSONFromFile(key, dataDirPath, lib.PeerKeyPath); err != nil {
		panic(err)
	}
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		panic(err)
	}
	c.DataDirPath = dataDirPath
	return
}

// peerID() is the configured peer id, or the hex public key so other peers can verify signatures without registration
func peerID(config lib.Config, key *crypto.PrivateKey) lib.PeerID {
	if config.PeerID != "" {
		return config.PeerID
	}
	return lib.PeerID(key.PublicKey().String())
}
