package main

import (
	"fmt"
	"log"

	"github.com/fairyhunter13/etl-narrative-engine/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("ExchangeName: '%s'\n", cfg.ExchangeName)
	fmt.Printf("QueueName: '%s'\n", cfg.QueueName)
	fmt.Printf("RoutingKeyPattern: '%s'\n", cfg.RoutingKeyPattern)
	fmt.Printf("DeadLetterQueue: '%s'\n", cfg.DeadLetterQueue)
	fmt.Printf("RetryDelays: %v\n", cfg.RetryDelays)
	fmt.Printf("DedupStoreKind: '%s'\n", cfg.DedupStoreKind)
	fmt.Printf("DedupRetention(): %v\n", cfg.DedupRetention())
}
