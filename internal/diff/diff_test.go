package diff

import (
	"strings"
	"testing"
)

func TestCompareIdentical(t *testing.T) {
	text := "public class Sword {\n    private int damage;\n}"

	res := Compare(text, text)

	if !res.Identical() {
		t.Errorf("Identical() = false, Added %d Removed %d", res.Added, res.Removed)
	}
	for _, l := range res.Lines {
		if l.Op != OpContext {
			t.Errorf("expected only context lines, got op %d for %q", l.Op, l.Text)
		}
	}
}

func TestCompareAddition(t *testing.T) {
	oldText := "line1\nline2\nline3"
	newText := "line1\nline2\nline2.5\nline3"

	res := Compare(oldText, newText)

	if res.Added != 1 || res.Removed != 0 {
		t.Fatalf("Added/Removed = %d/%d, want 1/0", res.Added, res.Removed)
	}
	if !hasLine(res, OpAdded, "line2.5") {
		t.Error("expected added line 'line2.5'")
	}
}

func TestCompareRemoval(t *testing.T) {
	oldText := "line1\nline2\nline3\nline4"
	newText := "line1\nline2\nline4"

	res := Compare(oldText, newText)

	if res.Added != 0 || res.Removed != 1 {
		t.Fatalf("Added/Removed = %d/%d, want 0/1", res.Added, res.Removed)
	}
	if !hasLine(res, OpRemoved, "line3") {
		t.Error("expected removed line 'line3'")
	}
}

func TestCompareRewrite(t *testing.T) {
	oldText := "setDamage(5);\nsetDurability(100);"
	newText := "setDamage(7);\nsetDurability(100);"

	res := Compare(oldText, newText)

	if !hasLine(res, OpRemoved, "setDamage(5);") {
		t.Error("expected old damage line removed")
	}
	if !hasLine(res, OpAdded, "setDamage(7);") {
		t.Error("expected new damage line added")
	}
	if !hasLine(res, OpContext, "setDurability(100);") {
		t.Error("expected durability line as context")
	}
}

func TestCompareEmptyOld(t *testing.T) {
	res := Compare("", "line1\nline2")

	if res.Removed != 0 {
		t.Errorf("Removed = %d, want 0", res.Removed)
	}
	if res.Added != 2 {
		t.Errorf("Added = %d, want 2", res.Added)
	}
}

func TestCompareBlankLineAdded(t *testing.T) {
	oldText := "line1\nline2"
	newText := "line1\n\nline2"

	res := Compare(oldText, newText)

	if res.Added != 1 {
		t.Errorf("Added = %d, want 1 blank line", res.Added)
	}
}

func TestCompareLinesStayWhole(t *testing.T) {
	oldText := "registerItem(\"diamond_sword\", sword);"
	newText := "registerItem(\"netherite_sword\", sword);"

	res := Compare(oldText, newText)

	for _, l := range res.Lines {
		if strings.Contains(l.Text, "\n") {
			t.Errorf("line %q contains a newline", l.Text)
		}
		if l.Op != OpContext && !strings.HasPrefix(l.Text, "registerItem") {
			t.Errorf("change split mid-line: %q", l.Text)
		}
	}
}

func hasLine(res Result, op Op, text string) bool {
	for _, l := range res.Lines {
		if l.Op == op && l.Text == text {
			return true
		}
	}
	return false
}
