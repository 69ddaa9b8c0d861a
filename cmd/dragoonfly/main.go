// dragoonfly is the node daemon: it derives its identity from the seed,
// opens the block store, loads the codec parameters and serves the HTTP
// command surface until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"gopkg.in/urfave/cli.v1"

	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/node"
)

var (
	ipPortFlag = cli.StringFlag{
		Name:  "ip-port",
		Usage: "HTTP bind address (host:port) for the command surface",
	}
	seedFlag = cli.Int64Flag{
		Name:  "seed",
		Usage: "integer seed the node identity is derived from",
	}
	storageSpaceFlag = cli.Int64Flag{
		Name:  "storage-space",
		Usage: "send-storage budget magnitude",
	}
	storageUnitFlag = cli.StringFlag{
		Name:  "storage-unit",
		Usage: `send-storage budget unit: "", K, M, G or T (powers of 10)`,
	}
	powersPathFlag = cli.StringFlag{
		Name:  "powers-path",
		Usage: "path to the codec public-parameters file",
	}
	labelFlag = cli.StringFlag{
		Name:  "label",
		Usage: "optional human-readable node name",
	}
	replaceFileDirFlag = cli.BoolFlag{
		Name:  "replace-file-dir",
		Usage: "purge the local file directory for this identity before serving",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir",
		Usage: "override the default ~/.share/dragoonfly storage root",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=error 1=warn 2=info 3=debug 4=detail",
		Value: int(logger.Info),
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dragoonfly"
	app.Usage = "peer-to-peer coded content storage and retrieval node"
	app.Flags = []cli.Flag{
		ipPortFlag, seedFlag, storageSpaceFlag, storageUnitFlag,
		powersPathFlag, labelFlag, replaceFileDirFlag, dataDirFlag,
		verbosityFlag,
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger.SetVerbosity(logger.Level(ctx.Int(verbosityFlag.Name)))

	cfg := node.Config{
		Seed:           ctx.Int64(seedFlag.Name),
		HTTPAddr:       ctx.String(ipPortFlag.Name),
		Label:          ctx.String(labelFlag.Name),
		StorageSpace:   ctx.Int64(storageSpaceFlag.Name),
		StorageUnit:    ctx.String(storageUnitFlag.Name),
		PowersPath:     ctx.String(powersPathFlag.Name),
		ReplaceFileDir: ctx.Bool(replaceFileDirFlag.Name),
		DataDir:        ctx.String(dataDirFlag.Name),
	}
	n, err := node.New(cfg, afero.NewOsFs())
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- n.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-done:
		n.Close()
		return err
	case <-sig:
		n.Close()
		return nil
	}
}
