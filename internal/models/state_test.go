package models

import "testing"

func TestHighWaterMarkOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b HighWaterMark
		less bool
	}{
		{name: "older timestamp", a: HighWaterMark{100, 9}, b: HighWaterMark{200, 1}, less: true},
		{name: "newer timestamp", a: HighWaterMark{200, 1}, b: HighWaterMark{100, 9}, less: false},
		{name: "same timestamp smaller id", a: HighWaterMark{100, 1}, b: HighWaterMark{100, 2}, less: true},
		{name: "equal", a: HighWaterMark{100, 1}, b: HighWaterMark{100, 1}, less: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.less {
				t.Fatalf("%v.Less(%v) = %t, want %t", tt.a, tt.b, got, tt.less)
			}
		})
	}
}

func TestHighWaterMarkCovers(t *testing.T) {
	mark := HighWaterMark{Timestamp: 1000, ItemID: 50}

	tests := []struct {
		name   string
		item   Item
		covers bool
	}{
		{name: "older item", item: Item{ID: 60, Timestamp: 999}, covers: true},
		{name: "same item", item: Item{ID: 50, Timestamp: 1000}, covers: true},
		{name: "same second lower id", item: Item{ID: 49, Timestamp: 1000}, covers: true},
		{name: "same second higher id", item: Item{ID: 51, Timestamp: 1000}, covers: false},
		{name: "newer item", item: Item{ID: 40, Timestamp: 1001}, covers: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mark.Covers(tt.item); got != tt.covers {
				t.Fatalf("Covers(%+v) = %t, want %t", tt.item, got, tt.covers)
			}
		})
	}
}

func TestContentKinds(t *testing.T) {
	set := NewContentKinds(KindText, KindLink)

	if !set.Allows(KindText) || !set.Allows(KindLink) {
		t.Fatal("expected text and link to be allowed")
	}
	if set.Allows(KindImage) {
		t.Fatal("image should not be allowed")
	}

	list := set.List()
	if len(list) != 2 || list[0] != KindLink || list[1] != KindText {
		t.Fatalf("unexpected list: %v", list)
	}

	if len(AllContentKinds()) != len(AllKinds) {
		t.Fatalf("expected all kinds enabled")
	}
	if ContentKind("photo").Valid() {
		t.Fatal("photo is not a canonical kind")
	}
}

func TestItemOrigin(t *testing.T) {
	repost := Item{ID: 999, OwnerID: -1, OriginID: 100, OriginItemID: 55}
	if !repost.HasOrigin() {
		t.Fatal("expected repost to have origin")
	}

	plain := Item{ID: 1, OriginID: 100}
	if plain.HasOrigin() {
		t.Fatal("origin requires both ids")
	}

	if (Item{Body: " \n\t"}).HasText() {
		t.Fatal("blank body should not count as text")
	}
}
