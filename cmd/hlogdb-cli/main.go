/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// hlogdb-cli is a manual-poke admin client for a Store: not the RESP
// server, just enough of an interactive shell to get/set/delete keys and
// drive checkpoints by hand against a local on-disk store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/launix-de/hlogdb"
)

func main() {
	dir := flag.String("dir", "./hlogdb-data", "on-disk store directory")
	flag.Parse()

	fmt.Print(`hlogdb-cli Copyright (C) 2024-2026  Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	cfg := hlogdb.DefaultConfig()
	cfg.DeviceDir = *dir
	cfg.Logger = hlogdb.NewStderrLogger()
	store, err := hlogdb.OpenDefault(cfg, nil)
	if err != nil {
		fmt.Println("failed to open store:", err)
		return
	}
	cfg.Init(store)
	defer store.Close()

	rl, err := readline.New("hlogdb> ")
	if err != nil {
		fmt.Println("failed to start readline:", err)
		return
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		}
		if err != nil {
			fmt.Println(err)
			return
		}
		if dispatch(ctx, store, strings.TrimSpace(line)) {
			return
		}
	}
}

// dispatch runs one command line and reports whether the REPL should stop.
func dispatch(ctx context.Context, store *hlogdb.Store, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch strings.ToUpper(fields[0]) {
	case "GET":
		if len(fields) != 2 {
			fmt.Println("usage: GET <key>")
			return false
		}
		value, status, err := store.Read(ctx, []byte(fields[1]), nil)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		if status == hlogdb.StatusNotFound {
			fmt.Println("(nil)")
			return false
		}
		fmt.Printf("%q\n", value)

	case "SET":
		if len(fields) != 3 {
			fmt.Println("usage: SET <key> <value>")
			return false
		}
		status, err := store.Upsert(ctx, []byte(fields[1]), []byte(fields[2]))
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(status)

	case "DEL":
		if len(fields) != 2 {
			fmt.Println("usage: DEL <key>")
			return false
		}
		status, err := store.Delete(ctx, []byte(fields[1]))
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(status)

	case "STATS":
		fmt.Printf("%+v\n", store.Stats())

	case "CHECKPOINT":
		mode := hlogdb.FoldOver
		if len(fields) == 2 && strings.EqualFold(fields[1], "snapshot") {
			mode = hlogdb.Snapshot
		}
		token, err := store.Checkpoint(ctx, mode)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println(token)

	case "RECOVER":
		if len(fields) != 2 {
			fmt.Println("usage: RECOVER <token>")
			return false
		}
		token, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		meta, err := store.Recover(ctx, token)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("recovered mode=%v version=%d tail=%s\n", meta.Mode, meta.Version, strconv.FormatUint(uint64(meta.Tail), 10))

	case "HELP":
		fmt.Println("commands: GET SET DEL STATS CHECKPOINT [snapshot] RECOVER <token> HELP QUIT")

	case "QUIT", "EXIT":
		return true

	default:
		fmt.Println("unknown command, try HELP")
	}
	return false
}
