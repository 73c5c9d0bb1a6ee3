// Command flarekv is a small CLI over the engine in package flarekv, for
// poking at a database directory by hand.
package main

import (
	"fmt"
	"os"

	"github.com/flarekv/flarekv"
	"github.com/flarekv/flarekv/typetag"
)

// Command identifies which engine operation to run.
type Command int

const (
	CommandUnknown Command = iota
	CommandPut
	CommandGet
	CommandDelete
)

func parseCommand(s string) Command {
	switch s {
	case "put":
		return CommandPut
	case "get":
		return CommandGet
	case "delete":
		return CommandDelete
	default:
		return CommandUnknown
	}
}

// keyType and valueType fix the CLI to a u64 key over a str:256 value; the
// library itself supports any typetag.Type pair, this is just a convenient
// default for ad hoc command-line use.
var (
	keyType   = typetag.U64_()
	valueType = typetag.StrN(256)
)

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: flarekv <dir> put|get|delete <key> [value]")
		os.Exit(2)
	}

	dir := os.Args[1]
	cmd := parseCommand(os.Args[2])
	if cmd == CommandUnknown {
		fmt.Fprintln(os.Stderr, "unknown command:", os.Args[2])
		os.Exit(2)
	}

	key, err := typetag.ParseString(os.Args[3], keyType)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key:", err)
		os.Exit(1)
	}

	db, err := flarekv.Open(dir, keyType, valueType)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case CommandPut:
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "put requires a value")
			os.Exit(2)
		}
		value, err := typetag.ParseString(os.Args[4], valueType)
		if err != nil {
			fmt.Fprintln(os.Stderr, "value:", err)
			os.Exit(1)
		}
		if err := db.Put(key, value); err != nil {
			fmt.Fprintln(os.Stderr, "put:", err)
			os.Exit(1)
		}
	case CommandGet:
		value, ok, err := db.Get(key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "get:", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(value.S))
	case CommandDelete:
		if err := db.Delete(key); err != nil {
			fmt.Fprintln(os.Stderr, "delete:", err)
			os.Exit(1)
		}
	}
}
