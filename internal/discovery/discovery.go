// Package discovery locates working mail endpoints for an address by
// racing evidence from DNS SRV records, autoconfig XML, and MX heuristics,
// then TCP-probing the surviving candidates.
package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	protoSMTP = "smtp"
	protoIMAP = "imap"

	probeTimeout   = 3 * time.Second
	autoconfigBody = 256 << 10
)

// Candidate is a tentative endpoint. Lower priority wins.
type Candidate struct {
	Host     string
	Port     int
	Priority int
	Source   string
	Proto    string
}

// Result is the best probed endpoint per protocol. Protocols with no
// reachable candidate are omitted.
type Result struct {
	Domain     string `json:"domain"`
	Email      string `json:"email,omitempty"`
	SMTPHost   string `json:"smtp_host,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
	SMTPSource string `json:"smtp_source,omitempty"`
	IMAPHost   string `json:"imap_host,omitempty"`
	IMAPPort   int    `json:"imap_port,omitempty"`
	IMAPSource string `json:"imap_source,omitempty"`
	Error      string `json:"error,omitempty"`
}

// mxAliases maps MX bases to the provider domain users actually configure.
var mxAliases = map[string]string{
	"google.com":            "gmail.com",
	"outlook.com":           "office365.com",
	"protection.outlook.com": "office365.com",
	"microsoft.com":         "office365.com",
}

// Resolver is the DNS surface the pipeline needs. *net.Resolver satisfies
// it, as does mockdns in tests.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ProbeFunc reports whether a TCP endpoint accepts connections.
type ProbeFunc func(ctx context.Context, host string, port int) bool

// Discoverer runs the pipeline. The zero value is not usable; use New.
type Discoverer struct {
	resolver Resolver
	http     *http.Client
	probe    ProbeFunc
	log      zerolog.Logger

	// autoconfigURLs is swappable so tests can point at a local server.
	autoconfigURLs func(domain string) []string
}

// New builds a Discoverer on the default DNS resolver and prober.
func New(log zerolog.Logger) *Discoverer {
	return &Discoverer{
		resolver:       net.DefaultResolver,
		http:           &http.Client{Timeout: 10 * time.Second},
		probe:          tcpProbe,
		log:            log.With().Str("component", "discovery").Logger(),
		autoconfigURLs: defaultAutoconfigURLs,
	}
}

func tcpProbe(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func defaultAutoconfigURLs(domain string) []string {
	return []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://autoconfig.thunderbird.net/v1.1/%s", domain),
	}
}

// Discover resolves endpoints for an address. Source failures are logged
// and skipped; only an unparseable address is an error.
func (d *Discoverer) Discover(ctx context.Context, email string) (*Result, error) {
	domain, err := domainOf(email)
	if err != nil {
		return nil, err
	}
	candidates, _ := d.gather(ctx, domain)
	res := d.probeAndSelect(ctx, domain, candidates)
	res.Email = email
	return res, nil
}

// gather collects candidates from every source. The second return reports
// whether alias expansion produced at least one domain other than the
// input, which drives the streaming phase law.
func (d *Discoverer) gather(ctx context.Context, domain string) ([]Candidate, bool) {
	// The sources are independent, so a slow resolver or autoconfig host
	// must not stack its latency onto the others.
	var (
		wg    sync.WaitGroup
		srv   []Candidate
		auto  []Candidate
		bases []string
	)
	wg.Add(3)
	go func() { defer wg.Done(); srv = d.srvCandidates(ctx, domain) }()
	go func() { defer wg.Done(); bases = d.mxBases(ctx, domain) }()
	go func() { defer wg.Done(); auto = d.autoconfigCandidates(ctx, domain) }()
	wg.Wait()

	out := append(srv, auto...)

	aliases := expandAliases(domain, bases)
	for _, alias := range aliases {
		out = append(out, d.autoconfigCandidates(ctx, alias)...)
		out = append(out, synthesized(alias, 2, "mx")...)
	}
	for _, base := range bases {
		out = append(out, synthesized(base, 2, "mx")...)
	}
	out = append(out, synthesized(domain, 3, "common")...)

	return dedup(out), len(aliases) > 0
}

func (d *Discoverer) srvCandidates(ctx context.Context, domain string) []Candidate {
	var out []Candidate
	for _, q := range []struct {
		service string
		proto   string
	}{
		{"submissions", protoSMTP},
		{"submission", protoSMTP},
		{"imaps", protoIMAP},
	} {
		_, recs, err := d.resolver.LookupSRV(ctx, q.service, "tcp", domain)
		if err != nil {
			continue
		}
		for _, r := range recs {
			host := strings.TrimSuffix(r.Target, ".")
			if host == "" {
				continue
			}
			out = append(out, Candidate{Host: host, Port: int(r.Port), Priority: 0, Source: "srv", Proto: q.proto})
		}
	}
	return out
}

// mxBases resolves MX records and reduces each exchange to its last two
// labels.
func (d *Discoverer) mxBases(ctx context.Context, domain string) []string {
	recs, err := d.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range recs {
		host := strings.TrimSuffix(r.Host, ".")
		labels := strings.Split(host, ".")
		if len(labels) < 2 {
			continue
		}
		base := strings.Join(labels[len(labels)-2:], ".")
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		out = append(out, base)
	}
	return out
}

func (d *Discoverer) autoconfigCandidates(ctx context.Context, domain string) []Candidate {
	for _, url := range d.autoconfigURLs(domain) {
		cands, err := d.fetchAutoconfig(ctx, url)
		if err != nil {
			continue
		}
		if len(cands) > 0 {
			return cands
		}
	}
	return nil
}

type autoconfigXML struct {
	Providers []struct {
		Incoming []autoconfigServer `xml:"incomingServer"`
		Outgoing []autoconfigServer `xml:"outgoingServer"`
	} `xml:"emailProvider"`
}

type autoconfigServer struct {
	Type     string `xml:"type,attr"`
	Hostname string `xml:"hostname"`
	Port     int    `xml:"port"`
}

func (d *Discoverer) fetchAutoconfig(ctx context.Context, url string) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: autoconfig %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, autoconfigBody))
	if err != nil {
		return nil, err
	}

	var cfg autoconfigXML
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return nil, err
	}
	var out []Candidate
	for _, p := range cfg.Providers {
		for _, s := range p.Outgoing {
			if s.Hostname != "" && s.Port > 0 {
				out = append(out, Candidate{Host: s.Hostname, Port: s.Port, Priority: 1, Source: "autoconfig", Proto: protoSMTP})
			}
		}
		for _, s := range p.Incoming {
			if s.Type == "imap" && s.Hostname != "" && s.Port > 0 {
				out = append(out, Candidate{Host: s.Hostname, Port: s.Port, Priority: 1, Source: "autoconfig", Proto: protoIMAP})
			}
		}
	}
	return out, nil
}

func expandAliases(domain string, bases []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, base := range bases {
		alias, ok := mxAliases[base]
		if !ok || alias == domain || seen[alias] {
			continue
		}
		seen[alias] = true
		out = append(out, alias)
	}
	return out
}

func synthesized(base string, priority int, source string) []Candidate {
	return []Candidate{
		{Host: "smtp." + base, Port: 465, Priority: priority, Source: source, Proto: protoSMTP},
		{Host: "smtp." + base, Port: 587, Priority: priority, Source: source, Proto: protoSMTP},
		{Host: "mail." + base, Port: 465, Priority: priority, Source: source, Proto: protoSMTP},
		{Host: "mail." + base, Port: 587, Priority: priority, Source: source, Proto: protoSMTP},
		{Host: "imap." + base, Port: 993, Priority: priority, Source: source, Proto: protoIMAP},
		{Host: "mail." + base, Port: 993, Priority: priority, Source: source, Proto: protoIMAP},
	}
}

// dedup keeps one candidate per (host, port), preferring the lowest
// priority, preserving first-seen order otherwise.
func dedup(in []Candidate) []Candidate {
	index := map[string]int{}
	var out []Candidate
	for _, c := range in {
		key := c.Host + ":" + strconv.Itoa(c.Port)
		if i, ok := index[key]; ok {
			if c.Priority < out[i].Priority {
				out[i] = c
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

// probeAndSelect races TCP probes and keeps the best candidate per
// protocol.
func (d *Discoverer) probeAndSelect(ctx context.Context, domain string, candidates []Candidate) *Result {
	type probed struct {
		Candidate
		order int
	}
	var (
		mu    sync.Mutex
		alive []probed
		wg    sync.WaitGroup
	)
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			if d.probe(ctx, c.Host, c.Port) {
				mu.Lock()
				alive = append(alive, probed{Candidate: c, order: i})
				mu.Unlock()
			}
		}(i, c)
	}
	wg.Wait()

	sort.Slice(alive, func(i, j int) bool {
		if alive[i].Priority != alive[j].Priority {
			return alive[i].Priority < alive[j].Priority
		}
		return alive[i].order < alive[j].order
	})

	res := &Result{Domain: domain}
	for _, p := range alive {
		switch {
		case p.Proto == protoSMTP && res.SMTPHost == "":
			res.SMTPHost = p.Host
			res.SMTPPort = p.Port
			res.SMTPSource = p.Source
		case p.Proto == protoIMAP && res.IMAPHost == "":
			res.IMAPHost = p.Host
			res.IMAPPort = p.Port
			res.IMAPSource = p.Source
		}
	}
	return res
}

func domainOf(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("discovery: invalid email address %q", email)
	}
	return strings.ToLower(email[at+1:]), nil
}
