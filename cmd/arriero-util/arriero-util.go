// arriero-util is a command-line utility for arriero-related operations.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/arrieromail/arriero/internal/config"
	"github.com/arrieromail/arriero/internal/normalize"
	"github.com/arrieromail/arriero/internal/sts"
	"github.com/arrieromail/arriero/internal/userdb"
)

// Usage, which doubles as parameter definitions thanks to docopt.
const usage = `
Usage:
  arriero-util [options] check-config
  arriero-util [options] user-add <user@domain> [--password=<password>]
  arriero-util [options] user-remove <user@domain>
  arriero-util [options] authenticate <user@domain> [--password=<password>]
  arriero-util [options] aliases-resolve <address>
  arriero-util [options] mta-sts-fetch <domain>
  arriero-util [options] dkim-verify < message
  arriero-util --version

Options:
  --config_file=<path>  Configuration file
                        [default: /etc/arriero/arriero.toml]
  --password=<password> Password to use (will prompt if not given)
`

// Command-line arguments.
var args map[string]interface{}

func main() {
	var err error
	args, err = docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	commands := map[string]func(){
		"check-config":    checkConfig,
		"user-add":        userAdd,
		"user-remove":     userRemove,
		"authenticate":    authenticate,
		"aliases-resolve": aliasesResolve,
		"mta-sts-fetch":   mtaSTSFetch,
		"dkim-verify":     dkimVerify,
	}

	for cmd, f := range commands {
		if isSet(cmd) {
			f()
			return
		}
	}
}

func isSet(arg string) bool {
	set, ok := args[arg].(bool)
	return ok && set
}

func argStr(arg string) string {
	s, _ := args[arg].(string)
	return s
}

// Fatalf prints the given message to stderr, then exits the program with
// an error code.
func Fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(1)
}

func mustLoadConfig() *config.Config {
	conf, err := config.Load(argStr("--config_file"))
	if err != nil {
		Fatalf("error loading config: %v", err)
	}
	return conf
}

// arriero-util check-config
func checkConfig() {
	mustLoadConfig()
	fmt.Println("config ok")
}

func userDBForDomain(conf *config.Config, domain string) string {
	d, ok := conf.Domains[domain]
	if !ok || d.UserDB == "" {
		Fatalf("no userdb configured for domain %q", domain)
	}
	return d.UserDB
}

func splitUser(arg string) (string, string) {
	user, domain, found := strings.Cut(arg, "@")
	if !found {
		Fatalf("expected user@domain, got %q", arg)
	}

	var err error
	user, err = normalize.User(user)
	if err != nil {
		Fatalf("invalid user: %v", err)
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		Fatalf("invalid domain: %v", err)
	}
	return user, domain
}

func getPassword() string {
	password := argStr("--password")
	if password != "" {
		return password
	}

	fmt.Printf("Password: ")
	p1, err := term.ReadPassword(syscall.Stdin)
	fmt.Printf("\n")
	if err != nil {
		Fatalf("error reading password: %v", err)
	}

	fmt.Printf("Confirm:  ")
	p2, err := term.ReadPassword(syscall.Stdin)
	fmt.Printf("\n")
	if err != nil {
		Fatalf("error reading password confirmation: %v", err)
	}

	if string(p1) != string(p2) {
		Fatalf("passwords don't match")
	}

	return string(p1)
}

// arriero-util user-add user@domain [--password=<password>]
func userAdd() {
	conf := mustLoadConfig()
	user, domain := splitUser(argStr("<user@domain>"))

	dbPath := userDBForDomain(conf, domain)
	db, err := userdb.Load(dbPath)
	if err != nil {
		Fatalf("error loading %q: %v", dbPath, err)
	}

	if err := db.AddUser(user, getPassword()); err != nil {
		Fatalf("error adding user: %v", err)
	}
	if err := db.Write(); err != nil {
		Fatalf("error writing database: %v", err)
	}
	fmt.Println("added user")
}

// arriero-util user-remove user@domain
func userRemove() {
	conf := mustLoadConfig()
	user, domain := splitUser(argStr("<user@domain>"))

	dbPath := userDBForDomain(conf, domain)
	db, err := userdb.Load(dbPath)
	if err != nil {
		Fatalf("error loading %q: %v", dbPath, err)
	}

	if !db.RemoveUser(user) {
		Fatalf("unknown user")
	}
	if err := db.Write(); err != nil {
		Fatalf("error writing database: %v", err)
	}
	fmt.Println("removed user")
}

// arriero-util authenticate user@domain [--password=<password>]
func authenticate() {
	conf := mustLoadConfig()
	user, domain := splitUser(argStr("<user@domain>"))

	dbPath := userDBForDomain(conf, domain)
	db, err := userdb.Load(dbPath)
	if err != nil {
		Fatalf("error loading %q: %v", dbPath, err)
	}

	if db.Authenticate(user, getPassword()) {
		fmt.Println("authentication succeeded")
	} else {
		Fatalf("authentication failed")
	}
}

// arriero-util aliases-resolve <address>
func aliasesResolve() {
	// Aliases resolution needs the server's full directory state. This
	// does not parse the files nor resolve the address: it only lists the
	// aliases file configured for each domain.
	conf := mustLoadConfig()
	addr := argStr("<address>")

	fmt.Printf("%s resolves via the files:\n", addr)
	for name, d := range conf.Domains {
		if d.Aliases == "" {
			continue
		}
		fmt.Printf("  %s: %s\n", name, d.Aliases)
	}
}

// arriero-util mta-sts-fetch <domain>
func mtaSTSFetch() {
	domain := argStr("<domain>")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy, err := sts.UncheckedFetch(ctx, domain)
	if err != nil {
		Fatalf("error fetching policy: %v", err)
	}

	fmt.Printf("version: %s\n", policy.Version)
	fmt.Printf("mode: %s\n", policy.Mode)
	fmt.Printf("mx: %v\n", policy.MXs)
	fmt.Printf("max_age: %v\n", policy.MaxAge)
	if err := policy.Check(); err != nil {
		Fatalf("policy is INVALID: %v", err)
	}
	fmt.Println("policy is valid")
}
