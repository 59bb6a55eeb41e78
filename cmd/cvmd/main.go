// Package main — the cascoin-core CLI: contract deployment
// and calls, reputation/trust/dispute queries, and an audit-only store
// scan, all operating directly against an Engine's on-disk store.
//
// One Engine is constructed in PersistentPreRunE (after godotenv and
// config loading) and reused by every subcommand.
package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cascoin-core/core"
	"cascoin-core/pkg/config"
)

var eng *core.Engine

func main() {
	root := &cobra.Command{
		Use:               "cvmd",
		Short:             "cascoin-core contract VM node tooling",
		PersistentPreRunE: bootstrap,
	}
	root.AddCommand(contractCmd(), reputationCmd(), trustCmd(), disputeCmd(), storeCmd(), receiptCmd(), blacklistCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bootstrap(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e, err := core.NewEngine(cfg)
	if err != nil {
		return err
	}
	eng = e
	return nil
}

func parseAddr(s string) (core.Address, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 20 {
		return core.Address{}, fmt.Errorf("bad address %q", s)
	}
	return core.BytesToAddress(b), nil
}

func parseHash(s string) (core.Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return core.Hash{}, fmt.Errorf("bad hash %q", s)
	}
	return core.BytesToHash(b), nil
}

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "contract"}

	deploy := &cobra.Command{
		Use:   "deploy [deployer] [bytecode-hex]",
		Short: "register bytecode under a deterministically derived address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deployer, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			code, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("bad bytecode: %w", err)
			}
			b := eng.Store.NewBatch()
			addr, err := core.DeployContract(eng.Store, b, deployer, core.Hash{}, eng.Config.Core.ActivationHeight, code)
			if err != nil {
				return err
			}
			if err := eng.Store.Commit(b); err != nil {
				return err
			}
			fmt.Println(addr.Hex())
			return nil
		},
	}

	call := &cobra.Command{
		Use:   "call [caller] [contract] [gas-limit] [input-hex]",
		Short: "invoke a deployed contract and print the receipt",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			target, err := parseAddr(args[1])
			if err != nil {
				return err
			}
			gasLimit, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return err
			}
			input, err := hex.DecodeString(args[3])
			if err != nil {
				return fmt.Errorf("bad input: %w", err)
			}
			contract, err := core.GetContract(eng.Store, target)
			if err != nil {
				return err
			}
			b := eng.Store.NewBatch()
			interp := core.NewInterpreter(eng.Store, b, contract.Code, core.CallContext{
				ContractAddr: target,
				Caller:       caller,
				GasLimit:     gasLimit,
				Input:        input,
			})
			status := interp.Run()
			result := interp.Result()
			if status.Success() {
				if err := eng.Store.Commit(b); err != nil {
					return err
				}
			}
			fmt.Printf("status=%s gas_used=%d return=0x%s\n", status, result.GasUsed, hex.EncodeToString(result.ReturnData))
			return nil
		},
	}

	buildTx := &cobra.Command{
		Use:   "build-tx [payload-type] [body-hex] [bond-sats]",
		Short: "assemble an unsigned carrier transaction embedding a payload envelope",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return fmt.Errorf("bad payload type: %w", err)
			}
			body, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("bad body: %w", err)
			}
			bondSats, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("bad bond amount: %w", err)
			}

			payloadType := core.PayloadType(typ)
			payloadOut, err := core.BuildPayloadOutput(core.Envelope{Type: payloadType, Body: body})
			if err != nil {
				return err
			}

			var bondOut *wire.TxOut
			if payloadType.RequiresBond() {
				if bondSats == 0 {
					return fmt.Errorf("payload type %d requires a bond output", typ)
				}
				bondOut, err = core.BuildBondOutput(core.Keccak160(body), bondSats)
				if err != nil {
					return err
				}
			}

			tx := core.AssembleCarrierTx(payloadOut, bondOut)
			var buf bytes.Buffer
			if err := tx.Serialize(&buf); err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(buf.Bytes()))
			if bondOut != nil {
				fmt.Printf("bond: %s\n", core.FormatSatoshis(bondSats))
			}
			return nil
		},
	}

	retire := &cobra.Command{
		Use:   "retire [address]",
		Short: "mark a contract retired and sweep its storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			b := eng.Store.NewBatch()
			if err := core.RetireContract(eng.Store, b, addr); err != nil {
				return err
			}
			return eng.Store.Commit(b)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list deployed contract addresses in deployment order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := core.ListContracts(eng.Store)
			if err != nil {
				return err
			}
			for _, a := range addrs {
				fmt.Println(a.Hex())
			}
			return nil
		},
	}

	cmd.AddCommand(deploy, call, buildTx, retire, list)
	return cmd
}

func reputationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reputation"}
	show := &cobra.Command{
		Use:   "show [viewer] [target]",
		Short: "print the HAT v2 composite score viewer sees for target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			target, err := parseAddr(args[1])
			if err != nil {
				return err
			}
			c := core.ComputeHATv2(eng.Store, eng.TrustGraph, viewer, target, eng.Config.Core.ActivationHeight, 0)
			fmt.Printf("behavior=%.4f wot=%.4f stake=%.4f temporal=%.4f final=%d\n",
				c.Behavior, c.WebOfTrust, c.Stake, c.Temporal, c.Final)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trust"}
	var atHeight uint64
	edges := &cobra.Command{
		Use:   "edges [address]",
		Short: "list outgoing trust edges for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			for _, e := range eng.TrustGraph.OutgoingEdges(addr) {
				live := e.BondLive(atHeight, eng.Config.Core.BondLockBlocks)
				fmt.Printf("%s -> %s weight=%d bond=%d bond_live=%v\n", e.From.Hex(), e.To.Hex(), e.Weight, e.BondAmount, live)
			}
			return nil
		},
	}
	edges.Flags().Uint64Var(&atHeight, "height", 0, "chain height used to judge bond liveness")
	paths := &cobra.Command{
		Use:   "paths [from] [to]",
		Short: "enumerate depth-bounded trust paths from one address to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			to, err := parseAddr(args[1])
			if err != nil {
				return err
			}
			for _, p := range eng.TrustGraph.EnumeratePaths(from, to) {
				hops := make([]string, len(p.Addresses))
				for i, a := range p.Addresses {
					hops[i] = a.Hex()
				}
				fmt.Printf("%s weight=%.4f\n", strings.Join(hops, " -> "), p.Weight)
			}
			return nil
		},
	}
	syncOffer := &cobra.Command{
		Use:   "sync-offer",
		Short: "print this node's trust-graph sync advertisement (state hash + edge count)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			offer := eng.TrustGraph.Offer()
			fmt.Printf("state_hash=%s edges=%d\n", offer.StateHash.Hex(), offer.EdgeCount)
			return nil
		},
	}
	cmd.AddCommand(edges, paths, syncOffer)
	return cmd
}

func disputeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dispute"}
	show := &cobra.Command{
		Use:   "show [dispute-id]",
		Short: "print a dispute record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			d, err := core.LoadDispute(eng.Store, id)
			if err != nil {
				return err
			}
			fmt.Printf("open=%v slash=%v jurors=%d challenger=%s challenger_bond=%d challenged_bond=%d\n",
				d.Open, d.SlashDecision, len(d.Jurors), d.Challenger.Hex(), d.ChallengerBond, d.ChallengedBond)
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func receiptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "receipt"}
	show := &cobra.Command{
		Use:   "show [tx-hash]",
		Short: "print a committed transaction's receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			raw, err := eng.Store.Receipt(id)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	block := &cobra.Command{
		Use:   "block [block-hash]",
		Short: "list the transaction ids carrying a receipt in a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseHash(args[0])
			if err != nil {
				return err
			}
			ids, err := eng.Store.BlockReceiptIDs(id)
			if err != nil {
				return err
			}
			for _, txID := range ids {
				fmt.Println(txID.Hex())
			}
			return nil
		},
	}
	cmd.AddCommand(show, block)
	return cmd
}

// blacklistCmd is operator-only tooling over the off-consensus access gate
//;
// nothing in core/block_processor.go ever reads this.
func blacklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "blacklist"}
	show := &cobra.Command{
		Use:   "show [address]",
		Short: "print an address's blacklist entry, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			entry, ok := eng.Store.BlacklistEntryFor(addr)
			if !ok {
				fmt.Println("not blacklisted")
				return nil
			}
			fmt.Printf("reason=%q expiry=%d\n", entry.Reason, entry.Expiry)
			return nil
		},
	}
	add := &cobra.Command{
		Use:   "add [address] [reason] [expiry-unix]",
		Short: "add or replace an address's blacklist entry (negative expiry = permanent)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			expiry, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("bad expiry: %w", err)
			}
			return eng.Store.PutBlacklistEntry(addr, core.BlacklistEntry{Reason: args[1], Expiry: expiry})
		},
	}
	cmd.AddCommand(show, add)
	return cmd
}

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store"}
	scan := &cobra.Command{
		Use:   "prefix-scan [prefix]",
		Short: "audit-only prefix scan over the raw key-value store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 0
			eng.Store.IteratePrefix([]byte(args[0]), func(k, v []byte) bool {
				n++
				fmt.Printf("%s = 0x%s\n", string(k), hex.EncodeToString(v))
				return true
			})
			log.Debugf("scanned %d keys under prefix %q", n, args[0])
			return nil
		},
	}
	cmd.AddCommand(scan)
	return cmd
}
