// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/haldane-systems/overlaymgr/internal/model"
)

func record(overlay, target string, userID int, state model.ApprovalState) model.Record {
	return model.Record{OverlayPackage: overlay, TargetPackage: target, UserID: userID, State: state}
}

func systemRecord(overlay, target string, userID int, state model.ApprovalState, priority int) model.Record {
	r := record(overlay, target, userID, state)
	r.IsSystem = true
	r.RequestedOverlayPriority = priority
	return r
}

func TestInsertNewFiresAdded(t *testing.T) {
	reg := New()

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })

	err := reg.Insert(record("ov", "target", 0, model.ApprovedDisabled))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != EventAdded {
		t.Fatalf("events = %+v, want one EventAdded", events)
	}
	got, ok := reg.Get("ov", 0)
	if !ok || got.State != model.ApprovedDisabled {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}
}

func TestInsertReplaceFiresChanged(t *testing.T) {
	reg := New()

	if err := reg.Insert(record("ov", "target", 0, model.ApprovedDisabled)); err != nil {
		t.Fatal(err)
	}

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })

	if err := reg.Insert(record("ov", "target", 0, model.ApprovedEnabled)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != EventChanged {
		t.Fatalf("events = %+v, want one EventChanged", events)
	}
	if events[0].Old.State != model.ApprovedDisabled || events[0].New.State != model.ApprovedEnabled {
		t.Fatalf("event old/new = %+v", events[0])
	}
}

func TestInsertOrdersSystemOverlaysByPriority(t *testing.T) {
	reg := New()

	// inserted in reverse priority order
	if err := reg.Insert(systemRecord("high", "target", 0, model.ApprovedAlwaysEnabled, 20)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Insert(systemRecord("low", "target", 0, model.ApprovedAlwaysEnabled, 10)); err != nil {
		t.Fatal(err)
	}

	list := reg.GetByTarget("target", false, 0)
	if len(list) != 2 || list[0].OverlayPackage != "low" || list[1].OverlayPackage != "high" {
		t.Fatalf("list = %+v, want [low, high]", list)
	}
}

func TestRemoveReturnsFalseWhenMissing(t *testing.T) {
	reg := New()
	if reg.Remove("nope", 0) {
		t.Fatal("Remove() on empty registry should return false")
	}
}

func TestRemoveTwiceFalseSecondTime(t *testing.T) {
	reg := New()
	if err := reg.Insert(record("ov", "target", 0, model.ApprovedDisabled)); err != nil {
		t.Fatal(err)
	}
	if !reg.Remove("ov", 0) {
		t.Fatal("first Remove() should return true")
	}
	if reg.Remove("ov", 0) {
		t.Fatal("second Remove() should return false")
	}
}

func TestRemoveCollapsesEmptyTarget(t *testing.T) {
	reg := New()
	if err := reg.Insert(record("ov", "target", 0, model.ApprovedDisabled)); err != nil {
		t.Fatal(err)
	}
	reg.Remove("ov", 0)
	targets := reg.TargetsForUser(0)
	if len(targets) != 0 {
		t.Fatalf("TargetsForUser() = %v, want empty after last record removed", targets)
	}
}

func TestSetHighestPriorityNoOpAtTailFiresNoEvent(t *testing.T) {
	reg := New()
	reg.Insert(record("a", "target", 0, model.ApprovedDisabled))
	reg.Insert(record("b", "target", 0, model.ApprovedDisabled))

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })

	changed, err := reg.SetHighestPriority(record("b", "target", 0, model.ApprovedDisabled))
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("SetHighestPriority on current tail should return true")
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none for a no-op move", events)
	}
}

func TestChangePriorityMovesAfterParent(t *testing.T) {
	reg := New()
	reg.Insert(record("a", "target", 0, model.ApprovedDisabled))
	reg.Insert(record("b", "target", 0, model.ApprovedDisabled))
	reg.Insert(record("c", "target", 0, model.ApprovedDisabled))
	// list is now [a, b, c]

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })

	changed, err := reg.ChangePriority(record("a", "target", 0, model.ApprovedDisabled), "c")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("ChangePriority should succeed")
	}
	list := reg.GetByTarget("target", false, 0)
	want := []string{"b", "c", "a"}
	for i, name := range want {
		if list[i].OverlayPackage != name {
			t.Fatalf("list = %+v, want order %v", list, want)
		}
	}
	if len(events) != 1 || events[0].Kind != EventReordered {
		t.Fatalf("events = %+v, want one EventReordered", events)
	}
}

func TestChangePriorityRejectsNonSystemBeforeSystem(t *testing.T) {
	reg := New()
	reg.Insert(systemRecord("sys", "target", 0, model.ApprovedAlwaysEnabled, 1))
	reg.Insert(record("nonsys", "target", 0, model.ApprovedDisabled))
	// list is [sys, nonsys]

	changed, err := reg.ChangePriority(record("nonsys", "target", 0, model.ApprovedDisabled), "")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("ChangePriority should reject moving a non-system overlay before a system overlay")
	}
	list := reg.GetByTarget("target", false, 0)
	if list[0].OverlayPackage != "sys" || list[1].OverlayPackage != "nonsys" {
		t.Fatalf("list should be unchanged, got %+v", list)
	}
}

func TestChangePriorityUnknownParentReturnsFalse(t *testing.T) {
	reg := New()
	reg.Insert(record("a", "target", 0, model.ApprovedDisabled))

	changed, err := reg.ChangePriority(record("a", "target", 0, model.ApprovedDisabled), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("ChangePriority against an absent parent should return false")
	}
}

func TestGetAllReturnsDeepCopy(t *testing.T) {
	reg := New()
	reg.Insert(record("ov", "target", 0, model.ApprovedDisabled))

	all := reg.GetAll(0)
	all["target"][0] = record("mutated", "target", 0, model.ApprovedDisabled)

	got, _ := reg.Get("ov", 0)
	if got.OverlayPackage != "ov" {
		t.Fatal("mutating the GetAll() result should not affect the registry")
	}
}

func TestRemoveAllForUserFiresNoEvents(t *testing.T) {
	reg := New()
	reg.Insert(record("ov", "target", 0, model.ApprovedDisabled))

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })
	reg.RemoveAllForUser(0)

	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
	if len(reg.TargetsForUser(0)) != 0 {
		t.Fatal("RemoveAllForUser should drop every target list")
	}
}

func TestRestoreSkipsRulesAndFiresNoEvents(t *testing.T) {
	reg := New()

	var events []Event
	reg.AddListener(func(e Event) { events = append(events, e) })
	reg.Restore(0, map[string][]model.Record{
		"target": {record("ov", "target", 0, model.ApprovedEnabled)},
	})

	if len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
	got, ok := reg.Get("ov", 0)
	if !ok || got.State != model.ApprovedEnabled {
		t.Fatalf("Get() = %+v, %v, want ApprovedEnabled record", got, ok)
	}
}
