// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command coinward is a minimal command-line front end for the wallet
// core, mainly useful against test deployments.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/coinward/coinward"
	"github.com/coinward/coinward/amount"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: coinward [-config FILE] COMMAND [ARGS]

commands:
  balance                             show spendable balance per currency
  add-exchange URL                    fetch and trust an exchange's keys
  withdraw EXCHANGE-URL AMOUNT        create a reserve for a manual wire transfer
  pay MERCHANT-URL ORDER-ID [TOKEN]   claim and pay a merchant order
  abort ORDER-PROPOSAL-ID             abort a failing payment and reclaim coins
  pending                             run one pass over all due operations
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "coinward.yaml", "path to the wallet config file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	if err := run(context.Background(), *configPath, args); err != nil {
		fmt.Fprintln(os.Stderr, "coinward:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string) error {
	config, err := coinward.LoadConfig(configPath)
	if err != nil {
		return err
	}
	wallet, err := coinward.New(ctx, config)
	if err != nil {
		return err
	}
	defer wallet.Close()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "balance":
		balances, err := wallet.Balance(ctx)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			fmt.Println(amount.Zero(config.Currency))
			return nil
		}
		for _, b := range balances {
			fmt.Println(b)
		}
		return nil

	case "add-exchange":
		if len(rest) != 1 {
			usage()
		}
		return wallet.AddExchange(ctx, rest[0])

	case "withdraw":
		if len(rest) != 2 {
			usage()
		}
		instructed, err := amount.Parse(rest[1])
		if err != nil {
			return err
		}
		reserve, err := wallet.AcceptManualWithdrawal(ctx, rest[0], instructed)
		if err != nil {
			return err
		}
		fmt.Println("reserve public key:", reserve.ReservePub)
		fmt.Println("wire", reserve.InstructedAmount, "to the exchange with this key as subject")
		return nil

	case "pay":
		if len(rest) != 2 && len(rest) != 3 {
			usage()
		}
		claimToken := ""
		if len(rest) == 3 {
			claimToken = rest[2]
		}
		proposal, err := wallet.DownloadProposal(ctx, rest[0], rest[1], claimToken, "")
		if err != nil {
			return err
		}
		fmt.Println("contract:", proposal.ContractData.Summary, proposal.ContractData.Amount)
		purchase, err := wallet.AcceptPay(ctx, proposal.ProposalID, "")
		if err != nil {
			return err
		}
		fmt.Println("paid", purchase.PayCoinSelection.PaymentAmount)
		return nil

	case "abort":
		if len(rest) != 1 {
			usage()
		}
		if err := wallet.AbortPurchase(ctx, rest[0]); err != nil {
			return err
		}
		return wallet.ProcessPurchaseRefund(ctx, rest[0])

	case "pending":
		return wallet.ProcessPending(ctx)

	default:
		usage()
		return nil
	}
}
