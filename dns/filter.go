package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fosrl/dnshole/blocklist"
	"github.com/miekg/dns"
)

// BlockedTTL is the TTL of the synthesized answer for blocked names.
const BlockedTTL = 10

// ErrNotApplicable marks payloads that are not a single-question DNS query.
var ErrNotApplicable = errors.New("payload is not a single-question dns query")

var sinkAddr = net.IPv4(127, 0, 0, 1).To4()

// Action is what to do with an intercepted query.
type Action int

const (
	// Forward sends the query unchanged to the upstream resolver.
	Forward Action = iota
	// Block answers the query locally with the loopback address.
	Block
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Verdict is the result of Classify. For Forward, Payload is the original
// query bytes; for Block it is the packed synthesized response.
type Verdict struct {
	Action  Action
	Name    string
	Payload []byte
}

// Classify parses payload as a DNS query and decides whether it is blocked.
// Matching is exact on the full name; subdomains of a blocked name are not blocked.
func Classify(payload []byte, hosts blocklist.HostSet) (Verdict, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	if len(msg.Question) != 1 {
		return Verdict{}, fmt.Errorf("%w: %d questions", ErrNotApplicable, len(msg.Question))
	}

	question := msg.Question[0]
	name := strings.ToLower(strings.TrimSuffix(question.Name, "."))

	if !hosts.Contains(name) {
		return Verdict{Action: Forward, Name: name, Payload: payload}, nil
	}

	response := new(dns.Msg)
	response.SetReply(msg)
	response.RecursionAvailable = true
	response.Answer = append(response.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   question.Name,
			Rrtype: dns.TypeA,
			Class:  question.Qclass,
			Ttl:    BlockedTTL,
		},
		A: sinkAddr,
	})

	packed, err := response.Pack()
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to pack blocked response for %s: %w", name, err)
	}
	return Verdict{Action: Block, Name: name, Payload: packed}, nil
}
