package models

import "testing"

func TestNodeURLs(t *testing.T) {
	node := &Node{ID: "gpu-1", Host: "10.0.0.5", Port: 8188}
	if node.URL() != "http://10.0.0.5:8188" {
		t.Errorf("URL() = %s", node.URL())
	}
	if node.WSURL("job_42") != "ws://10.0.0.5:8188/ws?clientId=job_42" {
		t.Errorf("WSURL() = %s", node.WSURL("job_42"))
	}
}

func TestNodeAvailable(t *testing.T) {
	tests := []struct {
		name      string
		status    NodeStatus
		load, max int
		want      bool
	}{
		{"online with headroom", NodeStatusOnline, 1, 2, true},
		{"online at capacity", NodeStatusOnline, 2, 2, false},
		{"offline", NodeStatusOffline, 0, 2, false},
		{"maintenance", NodeStatusMaintenance, 0, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &Node{Status: tt.status, CurrentLoad: tt.load, MaxConcurrent: tt.max}
			if node.Available() != tt.want {
				t.Errorf("Available() = %v, want %v", node.Available(), tt.want)
			}
		})
	}
}

func TestNodeAccepts(t *testing.T) {
	open := &Node{}
	if !open.Accepts(KindTextToImage) || !open.Accepts(KindImageToVideo) {
		t.Error("empty capability set should accept any kind")
	}

	video := &Node{Capabilities: []JobKind{KindImageToVideo}}
	if video.Accepts(KindTextToImage) {
		t.Error("capability-restricted node accepted a kind outside its set")
	}
	if !video.Accepts(KindImageToVideo) {
		t.Error("node refused a kind in its capability set")
	}
}

func TestNodeLoadPercentage(t *testing.T) {
	node := &Node{CurrentLoad: 1, MaxConcurrent: 4}
	if node.LoadPercentage() != 25 {
		t.Errorf("LoadPercentage() = %f, want 25", node.LoadPercentage())
	}
	broken := &Node{CurrentLoad: 0, MaxConcurrent: 0}
	if broken.LoadPercentage() != 100 {
		t.Error("zero max-concurrent should read as fully loaded")
	}
}

func TestNodeClone(t *testing.T) {
	node := &Node{ID: "gpu-1", Capabilities: []JobKind{KindTextToImage}}
	clone := node.Clone()
	clone.Capabilities[0] = KindImageToVideo
	if node.Capabilities[0] != KindTextToImage {
		t.Error("clone shares the capabilities slice with the original")
	}
}
