package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"DeFlow/sdk/go/deflow"
)

// 创建一个 "触发 -> 转账" 工作流并等待执行结束。
// 需要先启动 deflowd，并通过环境变量指定委托人地址与收款地址。
func main() {
	baseURL := os.Getenv("DEFLOW_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := deflow.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetDelegator(os.Getenv("DEFLOW_DELEGATOR"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	wf, err := client.CreateWorkflow(ctx, deflow.WorkflowInput{
		Name: "pay usdc",
		Nodes: []deflow.Node{
			{ID: "trigger", Type: "trigger"},
			{ID: "pay", Type: "transfer", Config: map[string]any{
				"chain":     "sepolia",
				"token":     "USDC",
				"amount":    "1",
				"recipient": os.Getenv("DEFLOW_RECIPIENT"),
			}},
		},
		Edges: []deflow.Edge{{ID: "e1", From: "trigger", To: "pay"}},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created workflow %s\n", wf.ID)

	exec, err := client.Execute(ctx, wf.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("started execution %s\n", exec.ID)

	done, err := client.WaitForExecution(ctx, exec.ID, 2*time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s finished with status=%s error=%q\n", done.ID, done.Status, done.Error)
	for _, step := range done.Steps {
		fmt.Printf("  %s (%s): %s %v\n", step.NodeID, step.NodeType, step.Status, step.Output)
	}
}
