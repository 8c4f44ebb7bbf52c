// Command storage-init creates the task access table and the domain event
// queue, and can seed memberships for local development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"task-fanout/storage"
)

func main() {
	grants := flag.String("grant", "", "comma separated task:user memberships to seed")
	flag.Parse()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	membersTable := os.Getenv("TASK_MEMBERS_TABLE")
	if connStr == "" || membersTable == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or TASK_MEMBERS_TABLE")
	}
	pairs, err := parseGrants(*grants)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := storage.EnsureTables(ctx, connStr, membersTable); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := storage.EnsureQueues(ctx, connStr, os.Getenv("DOMAIN_EVENTS_QUEUE")); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	if len(pairs) > 0 {
		store, err := storage.New(connStr, membersTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		for _, p := range pairs {
			if err := store.Grant(ctx, p[0], p[1]); err != nil {
				log.Fatalf("grant %s:%s: %v", p[0], p[1], err)
			}
			log.WithFields(log.Fields{"task": p[0], "user": p[1]}).Debug("membership granted")
		}
	}
	log.Info("storage init complete")
}

func parseGrants(v string) ([][2]string, error) {
	var out [][2]string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		task, user, ok := strings.Cut(item, ":")
		if !ok || task == "" || user == "" {
			return nil, fmt.Errorf("invalid grant %q: want task:user", item)
		}
		out = append(out, [2]string{task, user})
	}
	return out, nil
}
