package ai

// PastMessage is one user/assistant exchange of the conversation history
type PastMessage struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// ChatRequest is the body posted to the LLM service
type ChatRequest struct {
	Prompt       string        `json:"prompt"`
	PastMessages []PastMessage `json:"past_messages"`
	NewMessage   string        `json:"new_message"`
}

// ChatResponse is the LLM service reply
type ChatResponse struct {
	Response        string `json:"response"`
	DetectedEmotion string `json:"detectedEmotion"`
	// some deployments use snake case
	DetectedEmotionAlt string `json:"detected_emotion,omitempty"`
}

// Emotion returns the detected emotion in whichever form the service sent it
func (r ChatResponse) Emotion() string {
	if r.DetectedEmotion != "" {
		return r.DetectedEmotion
	}
	return r.DetectedEmotionAlt
}

// Turn is a single message of history handed to BuildPastMessages
type Turn struct {
	Text   string
	IsUser bool
}

// BuildPastMessages folds a message history into user/assistant pairs.
// A user turn opens a pair and the following assistant turn closes it;
// unmatched turns produce a pair with one empty side.
func BuildPastMessages(turns []Turn) []PastMessage {
	if len(turns) == 0 {
		return nil
	}

	pairs := make([]PastMessage, 0, len(turns))
	var open *PastMessage
	for _, t := range turns {
		if t.IsUser {
			if open != nil {
				pairs = append(pairs, *open)
			}
			open = &PastMessage{User: t.Text}
			continue
		}
		if open != nil {
			open.Assistant = t.Text
			pairs = append(pairs, *open)
			open = nil
			continue
		}
		pairs = append(pairs, PastMessage{Assistant: t.Text})
	}
	if open != nil {
		pairs = append(pairs, *open)
	}
	return pairs
}
