package antiscrape

import "testing"

func TestNewSessionScoreZero(t *testing.T) {
	s := NewScrapingSession()
	if s.ScrapingScore != 0.0 {
		t.Errorf("new session score = %v, want 0.0", s.ScrapingScore)
	}
	if s.RequestCount != 0 {
		t.Errorf("new session request count = %d, want 0", s.RequestCount)
	}
}

func TestRecordRequestIncrementsCount(t *testing.T) {
	s := NewScrapingSession()
	s.RecordRequest("/page1", 0.0)
	if s.RequestCount != 1 {
		t.Errorf("request count = %d, want 1", s.RequestCount)
	}
	if s.UniquePathCount != 1 {
		t.Errorf("unique path count = %d, want 1", s.UniquePathCount)
	}
}

func TestDuplicatePathsNotCounted(t *testing.T) {
	s := NewScrapingSession()
	s.RecordRequest("/page1", 0.0)
	s.RecordRequest("/page1", 0.0)
	if s.RequestCount != 2 {
		t.Errorf("request count = %d, want 2", s.RequestCount)
	}
	if s.UniquePathCount != 1 {
		t.Errorf("unique path count = %d, want 1", s.UniquePathCount)
	}
}

func TestTrapTriggeredRaisesScore(t *testing.T) {
	s := NewScrapingSession()
	s.TrapTriggered = true
	s.RecordRequest("/trap", 0.0)
	if s.ScrapingScore < 1.0 {
		t.Errorf("trap-triggered score = %v, want >= 1.0", s.ScrapingScore)
	}
}

func TestCaptchaSolvedReducesScore(t *testing.T) {
	s := NewScrapingSession()
	s.CaptchaSolved = true
	s.RecordRequest("/page", 0.5)
	if s.ScrapingScore >= 0.2 {
		t.Errorf("captcha-solved score = %v, want < 0.2", s.ScrapingScore)
	}
}

func TestBotScoreContributes(t *testing.T) {
	s := NewScrapingSession()
	s.RecordRequest("/page", 1.0)
	if s.ScrapingScore < 0.3 {
		t.Errorf("bot-score-weighted score = %v, want >= 0.3", s.ScrapingScore)
	}
}
