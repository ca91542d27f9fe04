package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestRunPOW(t *testing.T) {
	t.Log("Given the need to benchmark the proof of work race.")
	{
		c, stats, err := runPOW(context.Background(), 3, 2, 1, 2, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould mine every block: %s", failed, err)
		}

		if tip := c.Tip(); c.Len() != 4 || tip.Payload != "Block 3 with 2 transactions" {
			t.Fatalf("\t%s\tShould carry the generated transactions: len[%d] payload[%s]", failed, c.Len(), tip.Payload)
		}
		t.Logf("\t%s\tShould carry the generated transactions.", success)

		if stats.Blocks() != 3 {
			t.Fatalf("\t%s\tShould record three races, got %d.", failed, stats.Blocks())
		}

		var found int
		for _, wt := range stats.Workers() {
			found += wt.BlocksFound
		}
		if found != 3 || len(stats.Workers()) != 2 {
			t.Fatalf("\t%s\tShould credit one winner per block: %+v", failed, stats.Workers())
		}
		t.Logf("\t%s\tShould credit one winner per block.", success)

		var buf bytes.Buffer
		if err := printPOW(&buf, 1, stats); err != nil {
			t.Fatalf("\t%s\tShould print the table: %s", failed, err)
		}
		if !strings.Contains(buf.String(), "WORKER") || !strings.Contains(buf.String(), "Blocks: 3") {
			t.Fatalf("\t%s\tShould print the table:\n%s", failed, buf.String())
		}
		t.Logf("\t%s\tShould print the table.", success)
	}
}

func TestRunPOS(t *testing.T) {
	t.Log("Given the need to benchmark the stake weighted race.")
	{
		validators, err := parseStakes([]string{"100", "900"})
		if err != nil {
			t.Fatalf("\t%s\tShould parse the stakes: %s", failed, err)
		}

		stats, err := runPOS(context.Background(), 4, 3, validators, rand.New(rand.NewPCG(7, 7)), nil)
		if err != nil {
			t.Fatalf("\t%s\tShould propose every block: %s", failed, err)
		}

		var selected int
		for _, vt := range stats.Validators() {
			selected += vt.TimesSelected
		}
		if stats.Blocks() != 4 || selected != 4 || stats.Transactions() != 12 {
			t.Fatalf("\t%s\tShould record every race: blocks[%d] selected[%d] txs[%d]", failed, stats.Blocks(), selected, stats.Transactions())
		}
		t.Logf("\t%s\tShould record every race.", success)

		asJSON = true
		defer func() { asJSON = false }()

		var buf bytes.Buffer
		if err := printPOS(&buf, stats); err != nil {
			t.Fatalf("\t%s\tShould print JSON: %s", failed, err)
		}

		var doc struct {
			Blocks     int `json:"blocks"`
			Validators []struct {
				Stake uint64 `json:"stake"`
			} `json:"validators"`
		}
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil || doc.Blocks != 4 || len(doc.Validators) != 2 || doc.Validators[1].Stake != 900 {
			t.Fatalf("\t%s\tShould print JSON: %s", failed, buf.String())
		}
		t.Logf("\t%s\tShould print JSON.", success)

		if _, err := parseStakes([]string{"lots"}); err == nil {
			t.Fatalf("\t%s\tShould reject a stake that is not a number.", failed)
		}
		t.Logf("\t%s\tShould reject a stake that is not a number.", success)

		if _, err := parseStakes([]string{"100"}); err == nil {
			t.Fatalf("\t%s\tShould reject a single validator.", failed)
		}
		t.Logf("\t%s\tShould reject a single validator.", success)
	}
}
