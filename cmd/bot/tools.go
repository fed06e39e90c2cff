package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"trendbot/pkg/crypto"
)

// Служебные подкоманды для подготовки .env:
//
//	trendbot hash-token <token>        - bcrypt-хеш для API_TOKEN_HASH
//	trendbot encrypt-secret <value>    - enc:... для BITGET_API_SECRET (ключ в ENCRYPTION_KEY)

var errUsage = errors.New("usage: trendbot [hash-token <token> | encrypt-secret <value>]")

// runTool выполняет подкоманду. handled=false - аргументов нет, запускается бот.
func runTool(args []string, out io.Writer) (handled bool, err error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "hash-token":
		if len(args) != 2 {
			return true, errUsage
		}
		hash, err := crypto.HashToken(args[1], crypto.DefaultCost)
		if err != nil {
			return true, err
		}
		fmt.Fprintln(out, hash)
		return true, nil

	case "encrypt-secret":
		if len(args) != 2 {
			return true, errUsage
		}
		enc, err := crypto.EncryptSecret(args[1], []byte(os.Getenv("ENCRYPTION_KEY")))
		if err != nil {
			return true, err
		}
		fmt.Fprintln(out, enc)
		return true, nil

	default:
		return true, errUsage
	}
}
