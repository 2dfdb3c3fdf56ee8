package mqttcore

import "testing"

func TestValidatePublishTopicRejectsWildcards(t *testing.T) {
	cases := []string{"a/+/c", "a/#", "+", "#"}
	for _, topic := range cases {
		if err := validatePublishTopic(topic); KindOf(err) != KindInvalidTopic {
			t.Errorf("validatePublishTopic(%q): expected InvalidTopic, got %v", topic, err)
		}
	}
}

func TestValidatePublishTopicAcceptsPlain(t *testing.T) {
	for _, topic := range []string{"a", "a/b/c", "$SYS/broker/uptime"} {
		if err := validatePublishTopic(topic); err != nil {
			t.Errorf("validatePublishTopic(%q): unexpected error %v", topic, err)
		}
	}
}

func TestValidatePublishTopicRejectsEmpty(t *testing.T) {
	if err := validatePublishTopic(""); KindOf(err) != KindInvalidTopic {
		t.Fatalf("expected InvalidTopic for empty topic, got %v", err)
	}
}

func TestValidateSubscribeTopicWildcardPlacement(t *testing.T) {
	valid := []string{"a/b/c", "a/+/c", "+/+/+", "a/#", "#", "$SYS/#"}
	for _, f := range valid {
		if err := validateSubscribeTopic(f); err != nil {
			t.Errorf("validateSubscribeTopic(%q): unexpected error %v", f, err)
		}
	}

	invalid := []string{"a+/b", "a/b#", "a/#/c", ""}
	for _, f := range invalid {
		if err := validateSubscribeTopic(f); KindOf(err) != KindInvalidTopic {
			t.Errorf("validateSubscribeTopic(%q): expected InvalidTopic, got %v", f, err)
		}
	}
}

func TestValidatePayloadRejectsOversize(t *testing.T) {
	if err := validatePayload(make([]byte, maxPayloadSize+1)); KindOf(err) != KindInvalidTopic {
		t.Fatalf("expected InvalidTopic for oversize payload, got %v", err)
	}
	if err := validatePayload(make([]byte, 10)); err != nil {
		t.Fatalf("unexpected error for small payload: %v", err)
	}
}
