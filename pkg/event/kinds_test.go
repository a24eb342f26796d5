package event_test

import (
	"testing"

	"github.com/minoru/kensaku/pkg/event"
)

func TestKindSet_Classify(t *testing.T) {
	ks := event.DefaultKindSet()

	tests := []struct {
		kind int
		want event.Class
	}{
		{0, event.ClassReplaceable},
		{3, event.ClassReplaceable},
		{1, event.ClassRegular},
		{5, event.ClassDeletion},
		{7, event.ClassRegular},
		{10000, event.ClassReplaceable},
		{19999, event.ClassReplaceable},
		{20000, event.ClassRegular},
		{29999, event.ClassRegular},
		{30000, event.ClassParamReplaceable},
		{30023, event.ClassParamReplaceable},
		{39999, event.ClassParamReplaceable},
		{40000, event.ClassRegular},
	}

	for _, tt := range tests {
		if got := ks.Classify(tt.kind); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindSet_Classify_Custom(t *testing.T) {
	ks := event.KindSet{
		Replaceable: []int{42},
		ParamRanges: []event.KindRange{{From: 100, To: 200}},
		Deletion:    9,
	}

	if got := ks.Classify(42); got != event.ClassReplaceable {
		t.Errorf("Classify(42) = %v", got)
	}
	if got := ks.Classify(150); got != event.ClassParamReplaceable {
		t.Errorf("Classify(150) = %v", got)
	}
	if got := ks.Classify(9); got != event.ClassDeletion {
		t.Errorf("Classify(9) = %v", got)
	}
	if got := ks.Classify(5); got != event.ClassRegular {
		t.Errorf("Classify(5) = %v, deletion kind must come from config", got)
	}
}
