// Command test-button checks the long-press threshold by hand. Every press
// is printed with its measured hold time and how far it landed from the
// threshold; a summary follows on Ctrl+C.
//
// Usage:
//
//	go run ./cmd/test-button [-keys ctrl,alt,b] [-long 3s]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/brewbeat/internal/button"
)

func main() {
	keys := flag.String("keys", "ctrl,alt,b", "comma-separated key combo")
	long := flag.Duration("long", button.DefaultLongPress, "hold time for an extra-long press")
	flag.Parse()

	combo := strings.Split(*keys, ",")
	listener := button.NewListener(combo, *long)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		listener.Stop()
	}()

	fmt.Printf("Hold %s; presses of %s or more count as long.\n", strings.Join(combo, "+"), *long)
	fmt.Printf("%-4s %-6s %10s %12s\n", "#", "kind", "held", "vs threshold")

	var (
		counts  = map[button.Press]int{}
		longest time.Duration
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n := 0
		for ev := range listener.Presses() {
			n++
			counts[ev.Kind]++
			longest = max(longest, ev.Held)
			fmt.Printf("%-4d %-6s %10s %12s\n", n, ev.Kind,
				ev.Held.Round(time.Millisecond), (ev.Held - *long).Round(time.Millisecond))
		}
	}()

	listener.Start()
	<-done
	fmt.Printf("\n%d short, %d long, longest hold %s\n",
		counts[button.PressShort], counts[button.PressLong], longest.Round(time.Millisecond))
}
