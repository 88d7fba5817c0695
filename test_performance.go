//go:build ignore

// Standalone performance verification test
// Run with: go run test_performance.go
package main

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Simulated pattern record with precomputed term set
type record struct {
	id       string
	terms    map[string]struct{}
	eligible bool
}

var vocabulary = []string{
	"create", "add", "register", "sword", "pickaxe", "ore", "block", "item",
	"entity", "recipe", "smelting", "diamond", "netherite", "copper", "fire",
	"enchant", "texture", "model", "loot", "table", "spawn", "biome", "effect",
}

func makeRecords(n int) []record {
	rng := rand.New(rand.NewSource(42))
	records := make([]record, n)
	for i := range records {
		terms := make(map[string]struct{})
		for len(terms) < 4 {
			terms[vocabulary[rng.Intn(len(vocabulary))]] = struct{}{}
		}
		records[i] = record{
			id:       fmt.Sprintf("pattern-%d", i),
			terms:    terms,
			eligible: i%10 != 0,
		}
	}
	return records
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func bestMatch(records []record, req map[string]struct{}) (string, float64) {
	bestID := ""
	bestScore := 0.0
	for _, r := range records {
		if !r.eligible {
			continue
		}
		if score := jaccard(req, r.terms); score > bestScore {
			bestID, bestScore = r.id, score
		}
	}
	return bestID, bestScore
}

func main() {
	fmt.Println("🧪 Testing Pattern Cache Performance\n")

	// Test 1: Matcher scan throughput
	fmt.Println("Test 1: Matcher Scan Throughput (10k patterns)")
	records := makeRecords(10000)
	req := map[string]struct{}{"create": {}, "diamond": {}, "sword": {}, "fire": {}}

	iterations := 200
	start := time.Now()
	var lastID string
	for i := 0; i < iterations; i++ {
		lastID, _ = bestMatch(records, req)
	}
	scanTime := time.Since(start)
	perMatch := scanTime / time.Duration(iterations)
	fmt.Printf("  ✅ %d full scans in %v\n", iterations, scanTime)
	fmt.Printf("  ✅ %v per match (winner: %s)\n\n", perMatch, lastID)

	// Test 2: Hot cache short-circuit
	fmt.Println("Test 2: Hot Cache Short-Circuit (repeat request)")
	hot := map[string]string{}
	key := strings.Join([]string{"code-generation", "create", "diamond", "fire", "sword"}, "|")

	start = time.Now()
	for i := 0; i < iterations; i++ {
		if _, ok := hot[key]; !ok {
			id, _ := bestMatch(records, req)
			hot[key] = id
		}
	}
	hotTime := time.Since(start)
	improvement := float64(scanTime) / float64(hotTime)
	fmt.Printf("  ✅ %d repeat lookups WITH hot cache: %v\n", iterations, hotTime)
	fmt.Printf("  ⚠️  %d repeat lookups WITHOUT:       %v\n", iterations, scanTime)
	fmt.Printf("  🚀 Short-circuit improvement: %.0fx faster\n\n", improvement)

	// Test 3: Debounced flushing
	fmt.Println("Test 3: Debounced Flush Batching (1000 writes)")
	writes := 1000
	flushes := 0
	pendingSince := time.Time{}
	interval := 500 * time.Millisecond
	clock := time.Now()
	for i := 0; i < writes; i++ {
		clock = clock.Add(3 * time.Millisecond)
		if pendingSince.IsZero() {
			pendingSince = clock
		}
		if clock.Sub(pendingSince) >= interval {
			flushes++
			pendingSince = time.Time{}
		}
	}
	if !pendingSince.IsZero() {
		flushes++
	}
	fmt.Printf("  ✅ Writes: %d\n", writes)
	fmt.Printf("  ✅ Flushes with %v debounce: %d\n", interval, flushes)
	fmt.Printf("  🚀 Write amplification: %.1f%% of naive per-write flushing\n\n",
		100*float64(flushes)/float64(writes))

	// Test 4: Concurrent matching
	fmt.Println("Test 4: Concurrent Matching (8 goroutines)")
	goroutines := 8
	var wg sync.WaitGroup
	start = time.Now()
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations/goroutines; i++ {
				bestMatch(records, req)
			}
		}()
	}
	wg.Wait()
	concurrentTime := time.Since(start)
	fmt.Printf("  ✅ %d matches across %d goroutines: %v\n", iterations, goroutines, concurrentTime)
	fmt.Printf("  ✅ Speedup over serial: %.1fx\n\n", float64(scanTime)/float64(concurrentTime))

	// Summary
	fmt.Println(strings.Repeat("=", 62))
	fmt.Println("📊 Performance Test Results Summary")
	fmt.Println(strings.Repeat("=", 62))
	fmt.Printf("✅ Matcher scan: %v per match over 10k patterns\n", perMatch)
	fmt.Printf("✅ Hot cache: %.0fx faster on repeat requests\n", improvement)
	fmt.Printf("✅ Debounced flushing: %d flushes for %d writes\n", flushes, writes)
	fmt.Printf("✅ Concurrent matching: %.1fx speedup on %d goroutines\n",
		float64(scanTime)/float64(concurrentTime), goroutines)
	fmt.Println("\n🎉 All performance checks complete!")
}
