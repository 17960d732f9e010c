// Package seed provides helpers to create demo data through the domain
// services. These helpers are intended for development and testing only.
package seed

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
)

// Profile is the sign-in data a fake user arrives with.
type Profile struct {
	ID          string
	DisplayName string
	Email       string
	PhotoRef    string
}

// Factory generates fake profiles and content. A fixed seed makes every
// run produce the same sequence.
type Factory struct {
	faker *gofakeit.Faker
}

// NewFactory returns a Factory. seed 0 picks a random seed.
func NewFactory(seed int64) *Factory {
	return &Factory{faker: gofakeit.New(seed)}
}

// Profile builds a fake user profile with a fresh id.
func (f *Factory) Profile() Profile {
	first, last := f.faker.FirstName(), f.faker.LastName()
	return Profile{
		ID:          f.faker.UUID(),
		DisplayName: first + " " + last,
		Email:       strings.ToLower(fmt.Sprintf("%s.%s%d@example.com", first, last, f.faker.Number(1, 999))),
		PhotoRef:    fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
	}
}

// PostText returns one to three sentences of filler.
func (f *Factory) PostText() string {
	n := f.faker.Number(1, 3)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = f.faker.HipsterSentence(f.faker.Number(4, 12))
	}
	return strings.Join(parts, " ")
}

// CommentText returns a short reply.
func (f *Factory) CommentText() string {
	return f.faker.Sentence(f.faker.Number(3, 10))
}

// ImageRefs returns zero to two image references; most posts have none.
func (f *Factory) ImageRefs() []string {
	if f.faker.Number(1, 4) != 1 {
		return nil
	}
	refs := make([]string, f.faker.Number(1, 2))
	for i := range refs {
		refs[i] = fmt.Sprintf("https://picsum.photos/seed/%s/800/800", f.faker.UUID())
	}
	return refs
}

// Pick returns up to k distinct indexes in [0, n), never including skip.
func (f *Factory) Pick(n, k, skip int) []int {
	idx := make([]int, 0, n)
	for i := range n {
		if i != skip {
			idx = append(idx, i)
		}
	}
	f.faker.ShuffleInts(idx)
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
