package store

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/gwillem/signal-state/internal/directory"
)

var (
	aliceACI = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	bobACI   = uuid.MustParse("22222222-2222-4222-8222-222222222222")
)

func TestGetOrInsertFromE164(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	id1, err := s.GetOrInsertFromE164(ctx, "+5215512345678")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.GetOrInsertFromE164(ctx, "+5215512345678")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("second insert returned %d, want %d", id2, id1)
	}

	r, err := s.Recipient(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if r.E164 != "+5215512345678" || r.HasACI() || r.Registered != directory.RegisteredUnknown {
		t.Errorf("recipient = %+v", r)
	}

	numbers, err := s.AllPhoneNumbers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(numbers, []string{"+5215512345678"}) {
		t.Errorf("AllPhoneNumbers = %v", numbers)
	}
}

func TestRecipientNotFound(t *testing.T) {
	s := tempStore(t)
	if _, err := s.Recipient(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePhoneNumbers(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	a, _ := s.GetOrInsertFromE164(ctx, "+525512345678")
	b, _ := s.GetOrInsertFromE164(ctx, "+525587654321")
	c, _ := s.GetOrInsertFromE164(ctx, "+5215587654321")

	err := s.UpdatePhoneNumbers(ctx, map[string]string{
		"+525512345678": "+5215512345678",
		"+525587654321": "+5215587654321", // already taken by c
	})
	if err != nil {
		t.Fatal(err)
	}

	for id, want := range map[directory.RecipientID]string{
		a: "+5215512345678",
		b: "+525587654321",
		c: "+5215587654321",
	} {
		r, err := s.Recipient(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if r.E164 != want {
			t.Errorf("recipient %d e164 = %q, want %q", id, r.E164, want)
		}
	}
}

func TestBulkProcessCDSResult(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	// Number known without ACI.
	numOnly, _ := s.GetOrInsertFromE164(ctx, "+5215511111111")
	// ACI known on one row, number held by another.
	aciRow, err := s.GetOrInsertFromACI(ctx, bobACI)
	if err != nil {
		t.Fatal(err)
	}
	stale, _ := s.GetOrInsertFromE164(ctx, "+5215522222222")

	got, err := s.BulkProcessCDSResult(ctx, map[string]uuid.UUID{
		"+5215511111111": aliceACI,
		"+5215522222222": bobACI,
		"+5215533333333": uuid.MustParse("33333333-3333-4333-8333-333333333333"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ids, want 3", len(got))
	}
	if got[numOnly] != aliceACI {
		t.Errorf("number-only row: aci = %v, want %v", got[numOnly], aliceACI)
	}
	if got[aciRow] != bobACI {
		t.Errorf("aci row not returned: %v", got)
	}

	r, _ := s.Recipient(ctx, aciRow)
	if r.E164 != "+5215522222222" {
		t.Errorf("aci row e164 = %q, want the moved number", r.E164)
	}
	r, _ = s.Recipient(ctx, stale)
	if r.HasE164() {
		t.Errorf("stale row still holds %q", r.E164)
	}
	r, _ = s.Recipient(ctx, numOnly)
	if r.ACI != aliceACI {
		t.Errorf("number-only row aci = %v", r.ACI)
	}
}

func TestRegisteredStatus(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	a, _ := s.GetOrInsertFromE164(ctx, "+5215511111111")
	b, _ := s.GetOrInsertFromE164(ctx, "+5215522222222")

	if err := s.BulkUpdateRegisteredStatus(ctx, map[directory.RecipientID]uuid.UUID{a: aliceACI}, []directory.RecipientID{b}); err != nil {
		t.Fatal(err)
	}
	reg, err := s.Registered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(reg, []directory.RecipientID{a}) {
		t.Errorf("Registered = %v, want [%d]", reg, a)
	}
	rb, _ := s.Recipient(ctx, b)
	if rb.Registered != directory.NotRegistered {
		t.Errorf("b registered = %v", rb.Registered)
	}

	if err := s.MarkUnregistered(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRegistered(ctx, b, bobACI); err != nil {
		t.Fatal(err)
	}
	reg, _ = s.Registered(ctx)
	if !slices.Equal(reg, []directory.RecipientID{b}) {
		t.Errorf("Registered = %v, want [%d]", reg, b)
	}
	rb, _ = s.Recipient(ctx, b)
	if rb.ACI != bobACI {
		t.Errorf("b aci = %v", rb.ACI)
	}
}

func TestSystemContactsAndThreads(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	a, _ := s.GetOrInsertFromE164(ctx, "+5215511111111")
	b, _ := s.GetOrInsertFromE164(ctx, "+5215522222222")

	if err := s.SetSystemContact(ctx, b, true); err != nil {
		t.Fatal(err)
	}
	sys, err := s.SystemContacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(sys, []directory.RecipientID{b}) {
		t.Errorf("SystemContacts = %v", sys)
	}

	if err := s.CreateThread(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThread(ctx, a); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.HasThread(ctx, a); err != nil || !ok {
		t.Errorf("HasThread(a) = %v, %v", ok, err)
	}
	if ok, err := s.HasThread(ctx, b); err != nil || ok {
		t.Errorf("HasThread(b) = %v, %v", ok, err)
	}
}
