// This program benchmarks the proof of work and proof of stake block
// producers.
package main

import "github.com/starnet/blockchain/app/tooling/bench/cmd"

func main() {
	cmd.Execute()
}
