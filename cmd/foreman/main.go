package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}
