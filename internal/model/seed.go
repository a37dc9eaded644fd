package model

// SeedIssues is the demo data loaded by `flow seed` and by a server started
// with seeding enabled on an empty store.
var SeedIssues = []CreateIssueData{
	{
		Title:       "Implement user authentication",
		Description: StringPtr("Add login and signup functionality with proper session management"),
		Status:      StatusInProgress,
		Priority:    PriorityHigh,
		Assignee:    StringPtr("Alice Johnson"),
	},
	{
		Title:       "Design new dashboard layout",
		Description: StringPtr("Create a modern and intuitive dashboard interface for better user experience"),
		Status:      StatusTodo,
		Priority:    PriorityMedium,
		Assignee:    StringPtr("Bob Smith"),
	},
	{
		Title:       "Fix mobile responsiveness",
		Description: StringPtr("Resolve layout issues on mobile devices, especially on smaller screens"),
		Status:      StatusDone,
		Priority:    PriorityHigh,
		Assignee:    StringPtr("Carol Davis"),
	},
	{
		Title:       "Add dark mode support",
		Description: StringPtr("Implement dark/light theme toggle with proper color schemes"),
		Status:      StatusTodo,
		Priority:    PriorityLow,
		Assignee:    StringPtr("David Wilson"),
	},
	{
		Title:       "Optimize database queries",
		Description: StringPtr("Improve performance by optimizing slow database queries"),
		Status:      StatusInProgress,
		Priority:    PriorityUrgent,
		Assignee:    StringPtr("Eve Brown"),
	},
}
