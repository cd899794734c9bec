package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Save demonstrates persisting a blueprint document.
func ExampleSQLiteStore_Save() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	doc := &engine.Document{
		ID:     "core-1",
		Type:   "k8s",
		Status: engine.StatusIdle,
		Labels: map[string]string{"site": "lab"},
	}
	if err := store.Save(ctx, doc); err != nil {
		log.Fatal(err)
	}

	loaded, err := store.Load(ctx, "core-1")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s %s %s\n", loaded.ID, loaded.Type, loaded.Status)
	// Output: core-1 k8s idle
}

// ExampleSQLiteStore_GetEvents demonstrates reading the lifecycle event log.
func ExampleSQLiteStore_GetEvents() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	instance := "core-1"
	for _, kind := range []string{"ProcessingStarted", "ProcessingEnded"} {
		_ = store.AppendEvent(ctx, &stores.Event{
			Type:       kind,
			Topic:      engine.TopicLifecycle,
			InstanceID: &instance,
			Level:      stores.EventLevelInfo,
			Message:    kind + " init on core-1",
		})
	}

	events, err := store.GetEvents(ctx, stores.EventQuery{InstanceID: &instance})
	if err != nil {
		log.Fatal(err)
	}
	for _, ev := range events {
		fmt.Println(ev.Type)
	}
	// Output:
	// ProcessingStarted
	// ProcessingEnded
}
