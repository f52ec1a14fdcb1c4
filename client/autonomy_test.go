package client

import "testing"

func TestRouteInboundPriorityOrder(t *testing.T) {
	cases := []struct {
		name      string
		conn      Connection
		wantState string
		wantEvent string
	}{
		{
			name:      "passthrough overrides autonomy",
			conn:      Connection{Passthrough: true, AutonomyLevel: AutonomyFullAuto},
			wantState: MessageStateEscalatedHuman,
			wantEvent: EventMessageDuringIntervention,
		},
		{
			name:      "full manual escalates",
			conn:      Connection{AutonomyLevel: AutonomyFullManual},
			wantState: MessageStateEscalatedHuman,
		},
		{
			name:      "full auto reads",
			conn:      Connection{AutonomyLevel: AutonomyFullAuto},
			wantState: MessageStateReadByAgent,
		},
		{
			name:      "notify hooks external policy",
			conn:      Connection{AutonomyLevel: AutonomyNotify},
			wantState: MessageStateReadByAgent,
			wantEvent: EventPolicyHookInvoked,
		},
		{
			name:      "auto_respond hooks external policy",
			conn:      Connection{AutonomyLevel: AutonomyAutoRespond},
			wantState: MessageStateReadByAgent,
			wantEvent: EventPolicyHookInvoked,
		},
		{
			name:      "unknown autonomy defaults to safest",
			conn:      Connection{AutonomyLevel: "something_new"},
			wantState: MessageStateEscalatedHuman,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			route := RouteInbound(tc.conn)
			if route.MessageState != tc.wantState {
				t.Errorf("state: got %q want %q", route.MessageState, tc.wantState)
			}
			if route.EventType != tc.wantEvent {
				t.Errorf("event: got %q want %q", route.EventType, tc.wantEvent)
			}
		})
	}
}
