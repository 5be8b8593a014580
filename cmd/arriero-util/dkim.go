package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/arrieromail/arriero/internal/dkim"
	"github.com/arrieromail/arriero/internal/normalize"
)

// arriero-util dkim-verify < message
func dkimVerify() {
	message, err := io.ReadAll(os.Stdin)
	if err != nil {
		Fatalf("error reading message: %v", err)
	}

	ctx := dkim.WithTraceFunc(context.Background(),
		func(f string, a ...interface{}) {
			fmt.Fprintf(os.Stderr, f+"\n", a...)
		})

	result, err := dkim.VerifyMessage(ctx,
		string(normalize.ToCRLF(message)))
	if err != nil {
		Fatalf("error verifying message: %v", err)
	}

	fmt.Printf("found %d signatures, %d valid\n",
		result.Found, result.Valid)
	fmt.Printf("\nAuthentication-Results contents:\n%s\n",
		result.AuthenticationResults())

	if result.Found > 0 && result.Valid == 0 {
		os.Exit(1)
	}
}
