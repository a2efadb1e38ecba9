package agent

// knowledgeBase is the condensed product knowledge injected into the
// classifier's system prompt. Kept short on purpose: the model only needs
// enough grounding to answer routine questions and to recognize what it
// must not answer.
const knowledgeBase = `
PRODUCT
Envelope is a hosted email automation service. Customers connect their own
mailboxes (SMTP/IMAP), send transactional and outreach mail through our
API, and let the inbox assistant triage replies.

PLANS
- Starter: 1 account, 200 sends/day, community support.
- Team: 10 accounts, 5,000 sends/day, priority email support.
- Enterprise: custom limits, SSO, dedicated support. Pricing on request.

COMMON QUESTIONS
- Connection issues: customers should re-verify the account from the
  dashboard; most failures are stale app passwords.
- Sending limits are per connected account per hour and are configurable
  on Team and Enterprise plans.
- We never store mailbox passwords in plaintext; credentials are
  encrypted at rest.
- Data deletion requests: confirm and route to support, never promise a
  timeline.

HARD RULES
- Never discuss pricing discounts; escalate.
- Never confirm or deny security incidents; escalate.
- Legal, billing disputes, and cancellation requests always go to a human.
`
