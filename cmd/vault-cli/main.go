package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"

	"collectionvault/crypto"
	"collectionvault/native/rewards"
)

const usage = `vault-cli <command> [flags]

Commands:
  keygen                       generate an updater keypair
  sign-batch                   sign a balance-update batch file
  submit-batch                 sign and submit a batch to the daemon
  claim                        settle accrued reward for an account
  position                     show one (account, collection) position
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen()
	case "sign-batch":
		err = runSignBatch(os.Args[2:], false)
	case "submit-batch":
		err = runSignBatch(os.Args[2:], true)
	case "claim":
		err = runClaim(os.Args[2:])
	case "position":
		err = runPosition(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runKeygen() error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Println("address:", key.PubKey().Address().String())
	fmt.Println("private:", hex.EncodeToString(key.Bytes()))
	return nil
}

// batchFile is the on-disk shape of an unsigned batch.
type batchFile struct {
	Account string `json:"account"`
	Updates []struct {
		Collection   string `json:"collection"`
		Height       uint64 `json:"height"`
		NFTDelta     int64  `json:"nftDelta"`
		DepositDelta string `json:"depositDelta"`
	} `json:"updates"`
}

type signedBatch struct {
	Updater   string      `json:"updater"`
	Account   string      `json:"account"`
	Updates   interface{} `json:"updates"`
	Signature string      `json:"signature"`
}

func runSignBatch(args []string, submit bool) error {
	fs := flag.NewFlagSet("sign-batch", flag.ExitOnError)
	keyHex := fs.String("key", "", "updater private key in hex")
	file := fs.String("file", "", "path to the unsigned batch JSON")
	network := fs.String("network", "cv-local", "network tag bound into the signature")
	nonce := fs.Uint64("nonce", 0, "current nonce of the updater")
	endpoint := fs.String("endpoint", "http://127.0.0.1:8545", "daemon base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyHex == "" || *file == "" {
		return fmt.Errorf("-key and -file are required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	var parsed batchFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*keyHex), "0x"))
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return err
	}

	account, err := crypto.DecodeAddress(parsed.Account)
	if err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	batch := &rewards.UpdateBatch{Account: account}
	for i, u := range parsed.Updates {
		collection, err := crypto.DecodeAddress(u.Collection)
		if err != nil {
			return fmt.Errorf("invalid collection at %d: %w", i, err)
		}
		deposit := big.NewInt(0)
		if trimmed := strings.TrimSpace(u.DepositDelta); trimmed != "" {
			parsed, ok := new(big.Int).SetString(trimmed, 10)
			if !ok {
				return fmt.Errorf("invalid deposit delta at %d: %q", i, u.DepositDelta)
			}
			deposit = parsed
		}
		batch.Updates = append(batch.Updates, rewards.BalanceUpdate{
			Collection:   collection,
			UpdateHeight: u.Height,
			NFTDelta:     u.NFTDelta,
			DepositDelta: deposit,
		})
	}
	if err := batch.Sign(key, *network, *nonce); err != nil {
		return err
	}

	out := signedBatch{
		Updater:   batch.Updater.String(),
		Account:   parsed.Account,
		Updates:   json.RawMessage(mustMarshalUpdates(parsed)),
		Signature: hex.EncodeToString(batch.Signature),
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if !submit {
		fmt.Println(string(payload))
		return nil
	}
	return post(*endpoint+"/v1/rewards/updates", payload)
}

func mustMarshalUpdates(parsed batchFile) []byte {
	raw, err := json.Marshal(parsed.Updates)
	if err != nil {
		panic(err)
	}
	return raw
}

func runClaim(args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	account := fs.String("account", "", "claiming account address")
	collections := fs.String("collections", "", "comma-separated collections, empty for all active")
	height := fs.Uint64("height", 0, "claim height")
	endpoint := fs.String("endpoint", "http://127.0.0.1:8545", "daemon base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" {
		return fmt.Errorf("-account is required")
	}
	req := map[string]any{"account": *account, "height": *height}
	if trimmed := strings.TrimSpace(*collections); trimmed != "" {
		req["collections"] = strings.Split(trimmed, ",")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return post(*endpoint+"/v1/rewards/claim", payload)
}

func runPosition(args []string) error {
	fs := flag.NewFlagSet("position", flag.ExitOnError)
	account := fs.String("account", "", "account address")
	collection := fs.String("collection", "", "collection address")
	endpoint := fs.String("endpoint", "http://127.0.0.1:8545", "daemon base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *collection == "" {
		return fmt.Errorf("-account and -collection are required")
	}
	resp, err := http.Get(fmt.Sprintf("%s/v1/rewards/position/%s/%s", *endpoint, *account, *collection))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func post(url string, payload []byte) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
