// arriero is an SMTP (email) server, with a focus on simplicity, security,
// and ease of operation.
//
// It receives mail over SMTP and submission (with SASL authentication),
// validates it against the mail authentication standards (SPF, DKIM,
// DMARC, ARC), runs configurable policy rules, and queues accepted
// messages for delivery to the next hop with strong-transport enforcement
// (DANE, MTA-STS), generating the corresponding reports.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/arrieromail/arriero/internal/aliases"
	"github.com/arrieromail/arriero/internal/auth"
	"github.com/arrieromail/arriero/internal/authres"
	"github.com/arrieromail/arriero/internal/blob"
	"github.com/arrieromail/arriero/internal/config"
	"github.com/arrieromail/arriero/internal/courier"
	"github.com/arrieromail/arriero/internal/domaininfo"
	"github.com/arrieromail/arriero/internal/kv"
	"github.com/arrieromail/arriero/internal/maillog"
	"github.com/arrieromail/arriero/internal/policy"
	"github.com/arrieromail/arriero/internal/queue"
	"github.com/arrieromail/arriero/internal/report"
	"github.com/arrieromail/arriero/internal/resolver"
	"github.com/arrieromail/arriero/internal/route"
	"github.com/arrieromail/arriero/internal/smtpsrv"
	"github.com/arrieromail/arriero/internal/sts"
	"github.com/arrieromail/arriero/internal/throttle"
)

// Command-line flags.
var (
	configFile = flag.String("config_file", "/etc/arriero/arriero.toml",
		"configuration file")
	showVer = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("arriero %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("arriero starting (version %s)", version)

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir, so relative paths inside the
	// configuration have a fixed point of reference.
	err = os.Chdir(filepath.Dir(*configFile))
	if err != nil {
		log.Fatalf("Error changing to config dir: %v", err)
	}

	initMailLog(conf.MailLogPath)

	go signalHandler()

	if conf.Listeners.Monitoring != "" {
		go launchMonitoringServer(conf)
	}

	// DNS resolver facade, the single entry point for lookups.
	var res *resolver.Resolver
	if len(conf.DNS.Servers) > 0 {
		res = resolver.NewWithServers(conf.DNS.Servers)
	} else {
		res, err = resolver.New()
		if err != nil {
			log.Fatalf("Error initializing resolver: %v", err)
		}
	}

	// Policy evaluator, with the rule chains from the configuration.
	counters := throttle.New()
	policies := policy.NewEvaluator(counters)
	for i, r := range conf.Rules {
		err := policies.AddRule(policy.Stage(r.Stage), r.When, r.Action)
		if err != nil {
			log.Fatalf("Error in rule %d: %v", i, err)
		}
	}

	// Authentication and directory.
	authr := auth.NewAuthenticator()
	aliasesR := aliases.NewResolver(authr.Exists)
	aliasesR.SuffixSep = conf.Aliases.SuffixSeparators
	aliasesR.DropChars = conf.Aliases.DropCharacters

	verifier := authres.NewVerifier(conf.Hostname, res)

	s := smtpsrv.NewServer(authr, aliasesR, policies, verifier)
	s.Hostname = conf.Hostname
	s.MaxDataSize = conf.MaxDataSizeMb * 1024 * 1024
	s.HAProxyEnabled = conf.HAProxyIncoming
	s.HookPath = conf.HooksDir
	s.SetAliasesConfig(conf.Aliases.SuffixSeparators, conf.Aliases.DropCharacters)

	// Load certificates from "<certdir>/<name>/{fullchain,privkey}.pem".
	// The structure matches letsencrypt's, to make it easier for that
	// case.
	log.Infof("Loading certificates:")
	for _, name := range mustReadDir(conf.CertDir) {
		log.Infof("  %s", name)
		dir := filepath.Join(conf.CertDir, name)

		certPath := filepath.Join(dir, "fullchain.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		if err := s.AddCerts(certPath, keyPath); err != nil {
			log.Fatalf("    %v", err)
		}
	}

	// Load the domains from the configuration.
	log.Infof("Domain configuration:")
	for name, d := range conf.Domains {
		loadDomain(s, name, d)
	}

	// Always include localhost as local domain.
	// This can prevent potential trouble if we were to accidentally treat
	// it as a remote domain (for loops, alias resolutions, etc.).
	s.AddDomain("localhost")

	// Persistent state stores.
	diStore := mustDirStore(conf.DataDir + "/domaininfo")
	dinfo, err := domaininfo.New(diStore)
	if err != nil {
		log.Fatalf("Error loading domaininfo: %v", err)
	}
	s.SetDomainInfo(dinfo)

	stsCache := sts.NewCache()

	// Outbound delivery engine.
	engine := courier.NewEngine(conf.Hostname, res, stsCache, dinfo)
	if conf.OutboundSourceIP != "" {
		engine.SourceIP = net.ParseIP(conf.OutboundSourceIP)
	}

	// Routing table.
	routes := route.NewTable()
	for i, r := range conf.Routes {
		err := routes.AddRule(r.RcptDomain, r.Sender, r.SourceCIDR, r.Target)
		if err != nil {
			log.Fatalf("Error in route %d: %v", i, err)
		}
	}

	// The queue, over its own stores.
	q := queue.New(mustDirStore(conf.DataDir+"/queue"),
		blob.New(mustDirStore(conf.DataDir+"/blobs")),
		s.LocalDomains(), aliasesR, routes, engine)
	q.MaxItems = conf.Queue.MaxItems
	q.MaxAge = conf.GiveUpAfter()
	q.MaxPerTarget = conf.Queue.MaxPerTarget
	q.SourceIP = conf.OutboundSourceIP
	if err := q.Load(); err != nil {
		log.Fatalf("Error loading queue: %v", err)
	}
	q.Start()
	s.SetQueue(q)

	// Reporting (DMARC aggregate/failure, TLS-RPT), fed by the server and
	// the delivery engine, delivered through the queue.
	reporter := report.New(conf.Hostname,
		mustDirStore(conf.DataDir+"/reports"), q, res)
	reporter.Interval = conf.ReportInterval()
	reporter.Start()
	s.SetReporter(reporter)
	engine.TLSReporter = reporter

	// Load the addresses and listeners.
	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(s, conf.Listeners.SMTP,
		systemdLs["smtp"], smtpsrv.ModeSMTP)
	naddr += loadAddresses(s, conf.Listeners.Submission,
		systemdLs["submission"], smtpsrv.ModeSubmission)
	naddr += loadAddresses(s, conf.Listeners.SubmissionTLS,
		systemdLs["submission_tls"], smtpsrv.ModeSubmissionTLS)

	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	s.ListenAndServe()
}

func loadAddresses(srv *smtpsrv.Server, addrs []string, ls []net.Listener,
	mode smtpsrv.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		// The "systemd" address indicates we get listeners via systemd.
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
		log.Errorf("If using systemd, check that you named the sockets")
	}
	return naddr
}

// Helper to load a single domain configuration into the server.
func loadDomain(s *smtpsrv.Server, name string, d config.Domain) {
	log.Infof("  %s", name)
	s.AddDomain(name)

	if d.UserDB != "" {
		n, err := s.AddUserDB(name, d.UserDB)
		if err != nil {
			log.Errorf("    users: %v", err)
		} else {
			log.Infof("    users: %d", n)
		}
	}

	if d.Aliases != "" {
		n, err := s.AddAliasesFile(name, d.Aliases)
		if err != nil {
			log.Errorf("    aliases: %v", err)
		} else {
			log.Infof("    aliases: %d", n)
		}
	}

	for selector, keyPath := range d.DKIMKeys {
		if err := s.AddDKIMSigner(name, selector, keyPath); err != nil {
			log.Errorf("    dkim %s: %v", selector, err)
		} else {
			log.Infof("    dkim: %s", selector)
		}
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler() {
	var err error

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reopen of the log files. This is used for
			// log rotation.
			err = log.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening log: %v", err)
			}

			err = maillog.Default.Reopen()
			if err != nil {
				log.Fatalf("Error reopening maillog: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

func mustDirStore(path string) *kv.DirStore {
	st, err := kv.NewDirStore(path)
	if err != nil {
		log.Fatalf("Error opening store at %q: %v", path, err)
	}
	return st
}

// Read a directory, which must have at least some entries, and return the
// names.
func mustReadDir(path string) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", path, err)
	}
	if len(entries) == 0 {
		log.Fatalf("No entries found in %q", path)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}
