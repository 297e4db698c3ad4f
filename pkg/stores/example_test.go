package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplay/pkg/engine"
	"github.com/openfroyo/froyoplay/pkg/stores"
)

// ExampleOpen demonstrates opening a journal and recording a run.
func ExampleOpen() {
	ctx := context.Background()
	journal, err := stores.Open(ctx, stores.Config{Path: ":memory:"}, zerolog.Nop())
	if err != nil {
		log.Fatal(err)
	}
	defer journal.Close()

	now := time.Now()
	_ = journal.RecordTransition(ctx, engine.PlaybookTransition{
		PlaybookID: "run-001", Name: "deploy", To: engine.PlaybookScheduled, At: now,
	})
	_ = journal.RecordTransition(ctx, engine.PlaybookTransition{
		PlaybookID: "run-001", Name: "deploy", From: engine.PlaybookScheduled, To: engine.PlaybookComplete, At: now,
	})

	run, err := journal.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Name, run.State)
	// Output: deploy complete
}
