// Command replyqueue runs the Instagram comment webhook, the reply worker and
// the operator tooling around the comment task queue.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "replyqueue:", err)
		os.Exit(1)
	}
}
