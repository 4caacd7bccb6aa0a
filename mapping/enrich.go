package mapping

import (
	"context"

	"github.com/fieldlabs/harvest/artifact"
)

// Resolver resolves mapping requests. Satisfied by *Client.
type Resolver interface {
	Resolve(ctx context.Context, reqs []Request) []Entry
}

// EnrichResult patches a result's contacts and partners in place with
// resolved IDs and scores. One backend round per name; failures leave the
// fields nil.
func EnrichResult(ctx context.Context, r Resolver, res *artifact.Result) {
	if res == nil || (len(res.Contacts) == 0 && len(res.Partners) == 0) {
		return
	}

	reqs := make([]Request, 0, len(res.Contacts)+len(res.Partners))
	for _, p := range res.Contacts {
		reqs = append(reqs, Request{Value: p.Name, Type: TypeStaff})
	}
	for _, inst := range res.Partners {
		reqs = append(reqs, Request{Value: inst.Name, Type: TypeInstitution})
	}

	entries := r.Resolve(ctx, reqs)

	for i := range res.Contacts {
		e := entries[i]
		res.Contacts[i].MappedID = e.MappedID
		res.Contacts[i].Score = e.Score
	}
	offset := len(res.Contacts)
	for i := range res.Partners {
		e := entries[offset+i]
		res.Partners[i].MappedID = e.MappedID
		res.Partners[i].MappedName = e.MappedName
		res.Partners[i].MappedAcronym = e.MappedAcronym
		res.Partners[i].Score = e.Score
	}
}
