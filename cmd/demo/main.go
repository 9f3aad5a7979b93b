package main

import (
	"fmt"
	"sync"

	"shielded/pkg/shield"
)

func main() {
	balance := shield.NewShielded(0)

	// Normal read and write.
	_ = shield.InTransaction(func() error {
		balance.Assign(100)
		return nil
	})

	_ = shield.InTransaction(func() error {
		fmt.Println("balance:", balance.Read())
		return nil
	})

	// Conflict: two transactions racing to increment the same cell each
	// retry until their snapshot is still valid at validation time.
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = shield.InTransaction(func() error {
				balance.Modify(func(cur int) int { return cur + 1 })
				return nil
			})
		}()
	}
	wg.Wait()

	_ = shield.InTransaction(func() error {
		fmt.Println("balance after two increments:", balance.Read())
		return nil
	})

	// Commutes: many goroutines bumping a counter without ever reading it
	// apply each increment to the latest committed value at commit time,
	// retrying only when another commit takes the write-stamp lock first.
	counter := shield.NewShielded(0)
	wg.Add(1000)
	for i := 0; i < 1000; i++ {
		go func() {
			defer wg.Done()
			_ = shield.InTransaction(func() error {
				counter.Commute(func(n int) int { return n + 1 })
				return nil
			})
		}()
	}
	wg.Wait()

	_ = shield.InTransaction(func() error {
		fmt.Println("counter:", counter.Read())
		return nil
	})

	// A dictionary with a pre-commit guarding an invariant across keys.
	accounts := shield.NewShieldedDict(func(a, b string) bool { return a < b }, 0)
	_ = shield.InTransaction(func() error {
		accounts.Set("alice", 50)
		accounts.Set("bob", 50)
		return nil
	})

	transfer := func(from, to string, amount int) error {
		return shield.InTransaction(func() error {
			shield.PreCommit(
				func() bool { return true },
				func() error {
					a, _ := accounts.Get(from)
					b, _ := accounts.Get(to)
					if a+b != 100 {
						return fmt.Errorf("conservation invariant violated: %d + %d != 100", a, b)
					}
					return nil
				},
			)
			a, _ := accounts.Get(from)
			b, _ := accounts.Get(to)
			accounts.Set(from, a-amount)
			accounts.Set(to, b+amount)
			return nil
		})
	}
	if err := transfer("alice", "bob", 20); err != nil {
		panic(err)
	}

	_ = shield.InTransaction(func() error {
		a, _ := accounts.Get("alice")
		b, _ := accounts.Get("bob")
		fmt.Println("alice:", a, "bob:", b)
		return nil
	})
}
