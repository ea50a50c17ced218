package orchestratornode

import "strings"

const defaultReply = "I'm here to help with your warranty request."

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, ErrNilGraph
	}
	if in.Case == nil {
		return GraphOutput{}, ErrNilCase
	}

	reply := strings.TrimSpace(strings.Join(in.Responses, "\n\n"))
	if reply == "" {
		reply = defaultReply
	}

	return GraphOutput{
		CaseID:          in.Case.CaseID,
		Reply:           reply,
		Stage:           in.Case.Stage,
		Outcome:         in.Case.Outcome,
		PendingQuestion: in.Case.PendingQuestion,
	}, nil
}
