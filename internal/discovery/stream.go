package discovery

import "context"

// Event is one streaming pipeline update. Name is the SSE event name;
// Data is serialized as the JSON payload.
type Event struct {
	Name string
	Data any
}

// Phase is the payload of a "phase" event.
type Phase struct {
	Name string `json:"name"`
}

// Stream runs discovery while emitting progress events in order: dns,
// autoconfig, aliases (only when alias expansion found a foreign domain),
// probing, then a terminal complete carrying the result. An unparseable
// address yields a single complete with an error field.
func (d *Discoverer) Stream(ctx context.Context, email string, emit func(Event)) {
	domain, err := domainOf(email)
	if err != nil {
		emit(Event{Name: "complete", Data: &Result{Email: email, Error: err.Error()}})
		return
	}

	emit(Event{Name: "phase", Data: Phase{Name: "dns"}})
	var candidates []Candidate
	candidates = append(candidates, d.srvCandidates(ctx, domain)...)
	bases := d.mxBases(ctx, domain)

	emit(Event{Name: "phase", Data: Phase{Name: "autoconfig"}})
	candidates = append(candidates, d.autoconfigCandidates(ctx, domain)...)

	aliases := expandAliases(domain, bases)
	if len(aliases) > 0 {
		emit(Event{Name: "phase", Data: Phase{Name: "aliases"}})
		for _, alias := range aliases {
			candidates = append(candidates, d.autoconfigCandidates(ctx, alias)...)
			candidates = append(candidates, synthesized(alias, 2, "mx")...)
		}
	}
	for _, base := range bases {
		candidates = append(candidates, synthesized(base, 2, "mx")...)
	}
	candidates = append(candidates, synthesized(domain, 3, "common")...)
	candidates = dedup(candidates)

	emit(Event{Name: "phase", Data: Phase{Name: "probing"}})
	res := d.probeAndSelect(ctx, domain, candidates)
	res.Email = email
	emit(Event{Name: "complete", Data: res})
}
