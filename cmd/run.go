package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	subnets "github.com/PinkDiamond1/stacks-subnets"
	"github.com/PinkDiamond1/stacks-subnets/blockbuilder"
	"github.com/PinkDiamond1/stacks-subnets/chainstate"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	subnetsCommon "github.com/PinkDiamond1/stacks-subnets/common"
	"github.com/PinkDiamond1/stacks-subnets/config"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/l1observer"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/mempool"
	"github.com/PinkDiamond1/stacks-subnets/node"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/prover"
	"github.com/PinkDiamond1/stacks-subnets/reorgdetector"
	"github.com/PinkDiamond1/stacks-subnets/rpc"
	syncmod "github.com/PinkDiamond1/stacks-subnets/sync"
	"github.com/PinkDiamond1/stacks-subnets/vm"
	"github.com/urfave/cli/v2"
)

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		subnets.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		logVersion()
	}

	ctx := cliCtx.Context
	components := cliCtx.StringSlice(config.FlagComponents)

	ledger, err := pegledger.NewLedger(c.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	store, err := chainstate.NewStore(c.DBPath, ledger)
	if err != nil {
		log.Fatal(err)
	}
	storage, err := commitments.NewStorage(c.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	pool := mempool.New(c.Mempool)

	l1Client := runL1ClientIfNeeded(ctx, components, c.L1Client)
	observer := runL1ObserverIfNeeded(ctx, components, *c, l1Client, ledger)

	for _, component := range components {
		switch component {
		case subnetsCommon.L1_OBSERVER:
			// started by runL1ObserverIfNeeded; without a block producer
			// the event channel still has to be drained
			if !isNeeded([]string{subnetsCommon.BLOCK_PRODUCER}, components) {
				go drainObserverEvents(ctx, observer)
			}
		case subnetsCommon.BLOCK_PRODUCER:
			subnetNode := createNode(*c, l1Client, observer, store, ledger, storage, pool)
			go func() {
				if err := subnetNode.Start(ctx); err != nil {
					log.Fatal(err)
				}
			}()
		case subnetsCommon.RPC:
			server := createRPC(c.RPC, pool, store, ledger, storage,
				prover.New(ledger, store.Tree(), storage, c.Commitments.RequiredConfirmations))
			go func() {
				if err := server.Start(); err != nil {
					log.Fatal(err)
				}
			}()
		}
	}

	waitSignal(nil)

	return nil
}

func createNode(
	c config.Config,
	l1Client *l1client.Client,
	observer *l1observer.Observer,
	store *chainstate.Store,
	ledger *pegledger.Ledger,
	storage *commitments.Storage,
	pool *mempool.Mempool,
) *node.Node {
	coordinator, err := commitments.NewCoordinator(c.Commitments, storage, ledger, l1Client, store)
	if err != nil {
		log.Fatal(err)
	}
	builder := blockbuilder.New(c.BlockBuilder, vm.NewAccountVM(), pool, ledger)
	// Adopting externally committed blocks needs a peer to fetch them
	// from; a single-producer subnet runs without one.
	// TODO: wire a BlockFetcher once the p2p block exchange lands.
	return node.New(c.Node, observer, coordinator, builder, store, pool, nil)
}

func createRPC(
	cfg jRPC.Config,
	pool *mempool.Mempool,
	store *chainstate.Store,
	ledger *pegledger.Ledger,
	storage *commitments.Storage,
	prv *prover.Prover,
) *jRPC.Server {
	logger := log.WithFields("module", subnetsCommon.RPC)
	services := []jRPC.Service{
		{
			Name: rpc.SUBNET,
			Service: rpc.NewSubnetEndpoints(
				logger,
				cfg.ReadTimeout.Duration,
				pool,
				store,
				ledger,
				storage,
				prv,
			),
		},
	}

	return jRPC.NewServer(cfg, services, jRPC.WithLogger(logger.GetSugaredLogger()))
}

func runL1ClientIfNeeded(ctx context.Context, components []string, cfg l1client.Config) *l1client.Client {
	if !isNeeded([]string{
		subnetsCommon.L1_OBSERVER,
		subnetsCommon.BLOCK_PRODUCER,
	}, components) {
		return nil
	}
	l1Client, err := l1client.NewClient(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create l1 client: %v", err)
	}
	return l1Client
}

func runL1ObserverIfNeeded(
	ctx context.Context,
	components []string,
	c config.Config,
	l1Client *l1client.Client,
	ledger *pegledger.Ledger,
) *l1observer.Observer {
	if !isNeeded([]string{
		subnetsCommon.L1_OBSERVER,
		subnetsCommon.BLOCK_PRODUCER,
	}, components) {
		return nil
	}
	rd := runReorgDetector(ctx, l1Client, c.ReorgDetector)
	observer, err := l1observer.New(ctx, c.L1Observer, l1Client, rd, ledger)
	if err != nil {
		log.Fatal(err)
	}
	go observer.Start(ctx)
	return observer
}

func runReorgDetector(ctx context.Context, l1Client *l1client.Client, cfg reorgdetector.Config) syncmod.ReorgDetector {
	rd, err := reorgdetector.New(l1Client.EthClient, cfg)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		if err := rd.Start(ctx); err != nil {
			log.Fatalf("error from reorg detector: %v", err)
		}
	}()
	return rd
}

// drainObserverEvents keeps the observer advancing when no block producer
// consumes its channel. Deposits still land in the peg ledger.
func drainObserverEvents(ctx context.Context, observer *l1observer.Observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-observer.Events():
			if ev.Reorg != nil {
				log.Infof("l1 reorg from block %d processed", ev.Reorg.FirstReorged)
			}
		}
	}
}

func isNeeded(casesWhereNeeded, actualCases []string) bool {
	for _, actualCase := range actualCases {
		for _, caseWhereNeeded := range casesWhereNeeded {
			if actualCase == caseWhereNeeded {
				return true
			}
		}
	}
	return false
}

func logVersion() {
	log.Infow("Starting application",
		// version is already logged by default
		"gitRevision", subnets.GitRev,
		"gitBranch", subnets.GitBranch,
		"goVersion", runtime.Version(),
		"built", subnets.BuildDate,
		"os/arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	)
}

func waitSignal(cancelFuncs []context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)

	for sig := range signals {
		switch sig {
		case os.Interrupt, os.Kill:
			log.Info("terminating application gracefully...")

			exitStatus := 0
			for _, cancel := range cancelFuncs {
				cancel()
			}
			os.Exit(exitStatus)
		}
	}
}
