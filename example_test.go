package q_test

import (
	"fmt"

	"github.com/aPSopt/q"
)

func Example() {
	scheduler := q.NewScheduler(q.WithWorkers(1))
	queue := q.NewQueue("main")
	if err := scheduler.AddQueue(queue); err != nil {
		panic(err)
	}
	scheduler.Start()

	done := make(chan struct{})
	q.With(queue, 6, 7).
		Then(func(a, b int) int { return a * b }).
		Then(func(v int) {
			fmt.Println(v)
			close(done)
		})
	<-done

	scheduler.Terminate(q.TerminateGraceful)
	scheduler.AwaitTermination()
	// Output: 42
}
