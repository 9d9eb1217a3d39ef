package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				chatbot_id VARCHAR(255) NOT NULL DEFAULT '',
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				graph JSONB NOT NULL,
				state_machine JSONB,
				is_active BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_chatbot_id ON workflows(chatbot_id);
			CREATE INDEX idx_workflows_owner_id ON workflows(owner_id);
			CREATE INDEX idx_workflows_is_active ON workflows(is_active);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				chatbot_id VARCHAR(255) NOT NULL DEFAULT '',
				trigger_id VARCHAR(255) NOT NULL DEFAULT '',
				trigger_data JSONB DEFAULT '{}',
				status VARCHAR(50) NOT NULL,
				logs JSONB NOT NULL DEFAULT '[]',
				error_message TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_started_at ON executions(started_at);
		`,
		2: `
			CREATE TABLE dead_letters (
				id BIGSERIAL PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				event JSONB NOT NULL,
				error JSONB NOT NULL,
				retry_count INTEGER NOT NULL,
				added_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_retry_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_dead_letters_workflow_id ON dead_letters(workflow_id);
			CREATE INDEX idx_dead_letters_execution_id ON dead_letters(execution_id);

			CREATE TABLE notifications (
				id VARCHAR(255) PRIMARY KEY,
				kind VARCHAR(50) NOT NULL,
				severity VARCHAR(50) NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				workflow_id VARCHAR(255) NOT NULL DEFAULT '',
				execution_id VARCHAR(255) NOT NULL DEFAULT '',
				data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_notifications_created_at ON notifications(created_at);
		`,
	}
}
