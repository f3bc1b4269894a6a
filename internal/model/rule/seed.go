package rule

// Seed provides the embedded rule set used when neither an override nor the
// bundled default document can be loaded.
func Seed() Set {
	return Set{
		{
			Match:    Literal("Hello"),
			Type:     TypeText,
			Value:    "Hello! I'm a demo assistant. Pick one of the suggestions below to see what I can do.",
			Priority: Priority(1),
			Followup: []string{"What can you do?", "Can you help with technical issues?"},
		},
		{
			Match:    Literal("What can you do?"),
			Type:     TypeText,
			Value:    "I answer a fixed set of questions with prepared responses, including text and images.",
			Priority: Priority(2),
			Followup: []string{"Show me a demo", "Can you help with technical issues?"},
		},
		{
			Match:    Literal("Can you help with technical issues?"),
			Type:     TypeText,
			Value:    "Yes. Describe the problem and I'll point you to the matching troubleshooting guide.",
			Priority: Priority(5),
			Followup: []string{"Show me a demo"},
		},
		{
			Match:    Literal("Show me a demo"),
			Type:     TypeImage,
			Value:    "images/demo.png",
			Priority: Priority(10),
			Followup: []string{"What can you do?"},
		},
		{
			Match:    Any(),
			Type:     TypeText,
			Value:    "I'm not sure how to answer that yet. Try one of the suggested questions.",
			Priority: Priority(DefaultPriority),
			Followup: []string{"Hello", "What can you do?"},
		},
	}
}
