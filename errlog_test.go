package lora

import "testing"

func TestLogErrorDedupesHardwareCodes(t *testing.T) {
	l := NewErrorLog()
	l.LogError(-5)
	l.LogError(-5)
	l.LogError(-5)

	buf := make([]int16, 8)
	n := l.GenerateErrorPacket(buf, 8)
	if n != 1 || buf[0] != -5 {
		t.Fatalf("expected single deduped entry -5, got n=%d buf=%v", n, buf[:n])
	}
}

func TestLogErrorHardwareRingCaps(t *testing.T) {
	l := NewErrorLog()
	for i := int16(1); i <= 10; i++ {
		l.LogError(-i)
	}

	buf := make([]int16, 16)
	n := l.GenerateErrorPacket(buf, 16)
	if n != maxRadioErrs {
		t.Fatalf("expected ring capped at %d entries, got %d", maxRadioErrs, n)
	}
	for i := 0; i < n; i++ {
		if buf[i] != int16(-(i + 1)) {
			t.Errorf("entry %d: want %d, got %d", i, -(i + 1), buf[i])
		}
	}
}

func TestLogErrorPositiveCodesMasked(t *testing.T) {
	l := NewErrorLog()
	l.LogError(int16(ErrAckTimeout))
	l.LogError(int16(ErrQueueOverflow))
	l.LogError(int16(ErrAckTimeout)) // duplicate OR is a no-op

	buf := make([]int16, 8)
	n := l.GenerateErrorPacket(buf, 8)
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", n, buf[:n])
	}
	if buf[0] != int16(ErrAckTimeout) || buf[1] != int16(ErrQueueOverflow) {
		t.Errorf("expected ascending positive codes, got %v", buf[:n])
	}
}

func TestLogErrorAboveMaxIsDropped(t *testing.T) {
	l := NewErrorLog()
	l.LogError(maxErrCodeNum + 1)

	buf := make([]int16, 8)
	n := l.GenerateErrorPacket(buf, 8)
	if n != 0 {
		t.Fatalf("expected code above max to be dropped, got n=%d buf=%v", n, buf[:n])
	}
}

func TestGenerateErrorPacketOrdersPositiveBeforeHardware(t *testing.T) {
	l := NewErrorLog()
	l.LogError(-1)
	l.LogError(int16(ErrAckTimeout))
	l.LogError(-2)

	buf := make([]int16, 8)
	n := l.GenerateErrorPacket(buf, 8)
	if n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
	if buf[0] != int16(ErrAckTimeout) {
		t.Errorf("expected positive code first, got %v", buf[:n])
	}
	if buf[1] != -1 || buf[2] != -2 {
		t.Errorf("expected hardware codes in insertion order, got %v", buf[:n])
	}
}

func TestGenerateErrorPacketRespectsMaxCount(t *testing.T) {
	l := NewErrorLog()
	l.LogError(int16(ErrAckTimeout))
	l.LogError(int16(ErrQueueOverflow))
	l.LogError(-1)

	buf := make([]int16, 1)
	n := l.GenerateErrorPacket(buf, 1)
	if n != 1 {
		t.Fatalf("expected truncation to maxErrCount=1, got %d", n)
	}
}

func TestLogErrorZeroIsNoop(t *testing.T) {
	l := NewErrorLog()
	l.LogError(0)
	buf := make([]int16, 8)
	if n := l.GenerateErrorPacket(buf, 8); n != 0 {
		t.Fatalf("expected no entries for LogError(0), got %d", n)
	}
}
