// Package seed fills a store with demo puzzle-hunt documents.
package seed

import (
	"context"
	"fmt"
	"math/rand"

	faker "github.com/go-faker/faker/v4"

	"github.com/zoravur/livejoin/internal/livedata"
	"github.com/zoravur/livejoin/internal/store/memstore"
	"github.com/zoravur/livejoin/pkg/prng"
)

// Writer is implemented by memstore.Store and pgstore.Store.
type Writer interface {
	Insert(ctx context.Context, collection, id string, fields livedata.Fields) error
}

// Collections lists the demo collections in dependency order.
var Collections = []string{"users", "tags", "hunts", "puzzles"}

// Define creates the demo collections in a memstore. Puzzles soft-delete.
func Define(s *memstore.Store) {
	for _, name := range Collections {
		if name == "puzzles" {
			s.Define(name, memstore.WithSoftDelete())
			continue
		}
		s.Define(name)
	}
}

type user struct {
	Name  string `faker:"name"`
	Email string `faker:"email"`
}

var colors = []string{"red", "green", "blue", "yellow", "purple"}

// Result holds the generated ids per collection.
type Result struct {
	Users, Tags, Hunts, Puzzles []string
}

// Populate writes puzzles documents plus the users, tags and hunts they
// reference. Ids and references are reproducible for a given seed.
func Populate(ctx context.Context, w Writer, puzzles int, seed int64) (Result, error) {
	faker.SetCryptoSource(prng.New(seed))
	rng := rand.New(rand.NewSource(seed))
	var res Result

	for i := 0; i < max(1, puzzles/4); i++ {
		var u user
		if err := faker.FakeData(&u); err != nil {
			return res, fmt.Errorf("fake user: %w", err)
		}
		id := faker.UUIDHyphenated()
		if err := w.Insert(ctx, "users", id, livedata.Fields{"name": u.Name, "email": u.Email}); err != nil {
			return res, err
		}
		res.Users = append(res.Users, id)
	}

	for _, color := range colors {
		id := faker.UUIDHyphenated()
		if err := w.Insert(ctx, "tags", id, livedata.Fields{"name": faker.Word(), "color": color}); err != nil {
			return res, err
		}
		res.Tags = append(res.Tags, id)
	}

	for i := 0; i < max(1, puzzles/5); i++ {
		id := faker.UUIDHyphenated()
		fields := livedata.Fields{
			"name":    faker.Word() + " hunt",
			"creator": res.Users[rng.Intn(len(res.Users))],
		}
		if err := w.Insert(ctx, "hunts", id, fields); err != nil {
			return res, err
		}
		res.Hunts = append(res.Hunts, id)
	}

	for i := 0; i < puzzles; i++ {
		id := faker.UUIDHyphenated()
		tags := make([]any, 0, 2)
		for _, j := range rng.Perm(len(res.Tags))[:rng.Intn(3)] {
			tags = append(tags, res.Tags[j])
		}
		fields := livedata.Fields{
			"title":  faker.Sentence(),
			"answer": faker.Word(),
			"hunt":   res.Hunts[rng.Intn(len(res.Hunts))],
			"tags":   tags,
		}
		if err := w.Insert(ctx, "puzzles", id, fields); err != nil {
			return res, err
		}
		res.Puzzles = append(res.Puzzles, id)
	}
	return res, nil
}
