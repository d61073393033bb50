package coach

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// MaxKnowledgeSnippets bounds how much reference material is placed in
// front of the analysis instructions.
const MaxKnowledgeSnippets = 5

const analysisSystemPrompt = `You are a swim coach reviewing video of a swimmer. The session is interactive: after each reply you may ask for extra frames from specific moments of the video and they will be added to the set you are looking at.

## How to work
1. Study the frames you have to get a picture of the whole stroke.
2. Decide which moments need a closer look.
3. Ask for frames around those moments only if you really need them.
4. Give feedback that points at exact timestamps.

## Reply format
Reply with a single JSON object inside a ` + "```json" + ` block:

` + "```json" + `
{
  "summary": "Short overview of what you saw",
  "need_more_frames": false,
  "frame_requests": [
    {"start_seconds": 4.0, "end_seconds": 5.0, "reason": "Check hand entry on the left arm", "fps": 3.0}
  ],
  "feedback": [
    {
      "timestamp_start": 4.2,
      "timestamp_end": 4.8,
      "category": "catch_and_pull",
      "priority": "primary",
      "observation": "The elbow collapses below the wrist at the start of the pull",
      "recommendation": "Set the forearm vertical early, as if reaching over a barrel",
      "drills": ["fingertip drag", "catch-up drill"]
    }
  ],
  "strengths": [
    {"timestamp_start": 0.0, "observation": "Hips stay high and the body line is flat"}
  ]
}
` + "```" + `

## Rules
- Tie every observation to a time: "at 0:12 the left elbow drops", not "the elbow sometimes drops".
- Request at most three ranges per reply and aim each one at a single technique element.
- Mark one issue as primary. Everything else is secondary or refinement.
- Keep what you see separate from what the swimmer should change.

## Categories
body_position, catch_and_pull, recovery, kick, timing, breathing, turns, starts`

const firstPassTemplate = `Here is the first look at the video.

%s

Stroke: %s
Swimmer's notes: %s

Review the frames and reply in the JSON format described above.`

const followupTemplate = `The frames you asked for have been added alongside the previously added frames.

%s

Stroke: %s

Frames marked "new" come from your last requests. Update your feedback with what they show.
- Set need_more_frames to false once you have enough to go on.
- If something is still unclear you may request one more set of frames.
- Merge the new observations with your earlier feedback instead of repeating it.
- Keep referencing exact timestamps.

Reply in the same JSON format.`

// conversationSystemPrompt is the persona used for follow-up chat.
const conversationSystemPrompt = `You are an experienced swim coach who knows competitive and masters technique well. You help swimmers understand and fix what shows up in their video.

## Approach
- Describe what you see before prescribing a change, then say why it matters.
- Focus on one or two improvements at a time.
- Use concrete cues ("press your chest", "lead with the elbow") over abstract instructions.
- Suggest common drills when they fit, for example catch-up, fingertip drag or 6-kick switch.
- Point out what is already working.

## Style
- Be encouraging and direct.
- If the camera angle hides something, say so and ask.
- Training plans and race strategy are fine to discuss, but technique comes first.`

const conversationContextTemplate = `Earlier analysis of this swimmer's video:

%s

The swimmer now has follow-up questions. Keep coaching from what you observed.`

// buildSystemPrompt prepends up to MaxKnowledgeSnippets reference snippets
// to base.
func buildSystemPrompt(base string, knowledge []string) string {
	var snippets []string
	for _, k := range knowledge {
		if strings.TrimSpace(k) == "" {
			continue
		}
		snippets = append(snippets, k)
		if len(snippets) == MaxKnowledgeSnippets {
			break
		}
	}
	if len(snippets) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString("## Expert Swimming Knowledge\nUse this reference material to inform your coaching:\n\n")
	for _, s := range snippets {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\n")
	b.WriteString(base)
	return b.String()
}

// frameContext lists the attached frames. Frames at index firstNew and
// later are marked as new; pass len(frames) to mark none.
func frameContext(duration float64, frames []model.Frame, firstNew int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video duration: %.1f seconds\n", duration)
	fmt.Fprintf(&b, "Analyzing %d frames at these timestamps:\n", len(frames))
	for i, f := range frames {
		fmt.Fprintf(&b, "  Frame %d: %.2fs", i+1, f.Timestamp)
		if i >= firstNew {
			b.WriteString(" (new)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstPassPrompt(duration float64, frames []model.Frame, stroke model.StrokeType, notes string) string {
	if strings.TrimSpace(notes) == "" {
		notes = "None provided"
	}
	return fmt.Sprintf(firstPassTemplate, frameContext(duration, frames, len(frames)), stroke, notes)
}

func followupPrompt(duration float64, frames []model.Frame, firstNew int, stroke model.StrokeType) string {
	return fmt.Sprintf(followupTemplate, frameContext(duration, frames, firstNew), stroke)
}

func conversationPrompt(summary string) string {
	return conversationSystemPrompt + "\n\n" + fmt.Sprintf(conversationContextTemplate, summary)
}
