// Command pearlctl inspects and exercises a pearl work directory directly
// from the shell, without a host application: put/get a record, print a
// stat report, force a rotation, or repair a directory containing
// corrupted blobs.
//
// Grounded on the teacher repo's example_test.go, which is the only place
// folio demonstrates its own API end-to-end; this engine is a library
// with no consumer of its own, so that demonstration is promoted to a
// standalone binary instead of living only in tests.
package main

import (
	"flag"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/jpl-au/pearl"
	"github.com/jpl-au/pearl/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "put":
		err = runPut(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "stat":
		err = runStat(os.Args[2:])
	case "rotate":
		err = runRotate(os.Args[2:])
	case "repair":
		err = runRepair(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "pearlctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pearlctl <put|get|stat|rotate|repair> [flags]")
}

// commonFlags parses the work-directory flags shared by every subcommand
// and returns an opened Storage.
func commonFlags(fs *flag.FlagSet, args []string, ignoreCorrupted bool) (*pearl.Storage, error) {
	workDir := fs.String("dir", ".", "work directory")
	prefix := fs.String("prefix", "pearl", "blob file prefix")
	keySize := fs.Int("keysize", 16, "fixed key size in bytes")
	maxBlobSize := fs.Int64("max-blob-size", 64<<20, "rotate once a blob exceeds this size in bytes")
	maxDataInBlob := fs.Uint64("max-data-in-blob", 0, "rotate once a blob holds this many records (0 disables)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts := []config.Option{
		config.WithKeySize(*keySize),
		config.WithCreateWorkDir(true),
		config.WithMaxBlobSize(*maxBlobSize),
		config.WithIgnoreCorrupted(ignoreCorrupted),
	}
	if *maxDataInBlob > 0 {
		opts = append(opts, config.WithMaxDataInBlob(*maxDataInBlob))
	}

	cfg, err := config.New(*workDir, *prefix, opts...)
	if err != nil {
		return nil, err
	}
	return pearl.Open(cfg)
}

// fixedKey left-pads or truncates raw to exactly n bytes, so callers can
// pass short human-readable keys on the command line against any
// configured key size.
func fixedKey(raw string, n int) []byte {
	b := []byte(raw)
	out := make([]byte, n)
	if len(b) > n {
		b = b[:n]
	}
	copy(out[n-len(b):], b)
	return out
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	s, err := commonFlags(fs, args, false)
	if err != nil {
		return err
	}
	defer s.Close()

	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("put requires <key> <value>")
	}

	key := fixedKey(rest[0], cfgKeySize(fs))
	return s.Write(key, []byte(rest[1]), nil)
}

// cfgKeySize re-reads the -keysize flag registered by commonFlags's
// FlagSet so callers built on top of it don't need a second parse pass.
func cfgKeySize(fs *flag.FlagSet) int {
	f := fs.Lookup("keysize")
	if f == nil {
		return 16
	}
	var n int
	fmt.Sscanf(f.Value.String(), "%d", &n)
	if n <= 0 {
		return 16
	}
	return n
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	s, err := commonFlags(fs, args, false)
	if err != nil {
		return err
	}
	defer s.Close()

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("get requires <key>")
	}

	key := fixedKey(rest[0], cfgKeySize(fs))
	data, err := s.Read(key)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runStat(args []string) error {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	s, err := commonFlags(fs, args, false)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := json.MarshalIndent(s.Health(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	s, err := commonFlags(fs, args, false)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Rotate()
}

func runRepair(args []string) error {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	s, err := commonFlags(fs, args, true)
	if err != nil {
		return err
	}
	defer s.Close()

	quarantined := s.Quarantined()
	fmt.Printf("repaired: %d blob(s) quarantined\n", len(quarantined))
	for _, f := range quarantined {
		fmt.Println("  -", f)
	}
	return nil
}
