package nlparse

var examples = []string{
	"remind me in 30 minutes about the meeting",
	"in 2 hours remind me to check the oven",
	"remind me tomorrow at 3pm to call John",
	"next Monday at 9am remind me to submit the report",
	"every Monday at 9am send me a summary",
	"every day at 8pm remind me to take my vitamins",
	"every weekday at 9am remind me to stand up",
	"every 30 minutes remind me to drink water",
	"every hour remind me to stretch",
	"schedule team sync for tomorrow at 10am",
}

// Examples returns the supported phrasings, for help and error messages.
func Examples() []string {
	out := make([]string, len(examples))
	copy(out, examples)
	return out
}
